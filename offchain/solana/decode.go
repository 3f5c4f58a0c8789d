package solana

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

var ErrMalformedTransaction = errors.New("malformed transaction")

// DecodeEnvelope parses a serialized legacy transaction, keeping the original
// message bytes so existing signatures stay valid. All-zero signature slots are
// treated as unsigned; any other signature must verify.
func DecodeEnvelope(tx []byte) (*Envelope, error) {
	if len(tx) == 0 {
		return nil, fmt.Errorf("%w: empty tx", ErrMalformedTransaction)
	}

	off := 0
	sigCount, off, err := readCompactU16(tx, off)
	if err != nil {
		return nil, fmt.Errorf("%w: decode signature count: %v", ErrMalformedTransaction, err)
	}
	if sigCount > 255 || off+sigCount*64 > len(tx) {
		return nil, fmt.Errorf("%w: invalid signature section", ErrMalformedTransaction)
	}
	sigs := make([][64]byte, sigCount)
	for i := 0; i < sigCount; i++ {
		copy(sigs[i][:], tx[off:off+64])
		off += 64
	}

	msgStart := off
	if off+3 > len(tx) {
		return nil, fmt.Errorf("%w: message header truncated", ErrMalformedTransaction)
	}
	if tx[off]&0x80 != 0 {
		return nil, fmt.Errorf("%w: versioned messages are not supported", ErrMalformedTransaction)
	}
	h := messageHeader{
		NumRequiredSignatures:       tx[off],
		NumReadonlySignedAccounts:   tx[off+1],
		NumReadonlyUnsignedAccounts: tx[off+2],
	}
	off += 3
	if int(h.NumRequiredSignatures) != sigCount {
		return nil, fmt.Errorf("%w: signature count %d != header %d", ErrMalformedTransaction, sigCount, h.NumRequiredSignatures)
	}

	nKeys, off, err := readCompactU16(tx, off)
	if err != nil {
		return nil, fmt.Errorf("%w: decode account keys count: %v", ErrMalformedTransaction, err)
	}
	if nKeys == 0 || nKeys < sigCount || off+nKeys*32 > len(tx) {
		return nil, fmt.Errorf("%w: account keys truncated", ErrMalformedTransaction)
	}
	if int(h.NumReadonlySignedAccounts) > sigCount || int(h.NumReadonlyUnsignedAccounts) > nKeys-sigCount {
		return nil, fmt.Errorf("%w: inconsistent header", ErrMalformedTransaction)
	}
	keys := make([]Pubkey, nKeys)
	for i := 0; i < nKeys; i++ {
		copy(keys[i][:], tx[off:off+32])
		off += 32
	}

	if off+32 > len(tx) {
		return nil, fmt.Errorf("%w: recent blockhash truncated", ErrMalformedTransaction)
	}
	var blockhash [32]byte
	copy(blockhash[:], tx[off:off+32])
	off += 32

	nIxs, off, err := readCompactU16(tx, off)
	if err != nil {
		return nil, fmt.Errorf("%w: decode instruction count: %v", ErrMalformedTransaction, err)
	}

	meta := func(i int) AccountMeta {
		signer := i < sigCount
		var writable bool
		if signer {
			writable = i < sigCount-int(h.NumReadonlySignedAccounts)
		} else {
			writable = i < nKeys-int(h.NumReadonlyUnsignedAccounts)
		}
		return AccountMeta{Pubkey: keys[i], IsSigner: signer, IsWritable: writable}
	}

	ixs := make([]Instruction, 0, nIxs)
	for i := 0; i < nIxs; i++ {
		if off >= len(tx) {
			return nil, fmt.Errorf("%w: instruction truncated", ErrMalformedTransaction)
		}
		pidIndex := int(tx[off])
		off++
		if pidIndex >= nKeys {
			return nil, fmt.Errorf("%w: invalid program id index", ErrMalformedTransaction)
		}

		acctCount, newOff, err := readCompactU16(tx, off)
		if err != nil {
			return nil, fmt.Errorf("%w: decode instruction accounts count: %v", ErrMalformedTransaction, err)
		}
		off = newOff
		if off+acctCount > len(tx) {
			return nil, fmt.Errorf("%w: instruction accounts truncated", ErrMalformedTransaction)
		}
		accounts := make([]AccountMeta, 0, acctCount)
		for _, idx := range tx[off : off+acctCount] {
			if int(idx) >= nKeys {
				return nil, fmt.Errorf("%w: invalid account index", ErrMalformedTransaction)
			}
			accounts = append(accounts, meta(int(idx)))
		}
		off += acctCount

		dataLen, newOff, err := readCompactU16(tx, off)
		if err != nil {
			return nil, fmt.Errorf("%w: decode instruction data len: %v", ErrMalformedTransaction, err)
		}
		off = newOff
		if off+dataLen > len(tx) {
			return nil, fmt.Errorf("%w: instruction data truncated", ErrMalformedTransaction)
		}
		data := make([]byte, dataLen)
		copy(data, tx[off:off+dataLen])
		off += dataLen

		ixs = append(ixs, Instruction{
			ProgramID: keys[pidIndex],
			Accounts:  accounts,
			Data:      data,
		})
	}
	if off != len(tx) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTransaction, len(tx)-off)
	}
	if len(ixs) == 0 {
		return nil, ErrEmptyTransaction
	}

	env := &Envelope{
		feePayer:        keys[0],
		recentBlockhash: blockhash,
		instructions:    ixs,
		message:         append([]byte(nil), tx[msgStart:]...),
		accountKeys:     keys,
		header:          h,
		signatures:      make([][64]byte, sigCount),
		signed:          make([]bool, sigCount),
	}
	for i, sig := range sigs {
		if sig == ([64]byte{}) {
			continue
		}
		if !ed25519.Verify(ed25519.PublicKey(keys[i][:]), env.message, sig[:]) {
			return nil, fmt.Errorf("%w: slot %d (%s)", ErrInvalidSignature, i, keys[i].Base58())
		}
		env.signatures[i] = sig
		env.signed[i] = true
	}
	return env, nil
}
