package solana

import (
	"errors"
	"fmt"
	"sort"
)

var ErrTooManyAccounts = errors.New("too many accounts in transaction")

type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

func (ix Instruction) clone() Instruction {
	out := Instruction{ProgramID: ix.ProgramID}
	if ix.Accounts != nil {
		out.Accounts = append([]AccountMeta(nil), ix.Accounts...)
	}
	if ix.Data != nil {
		out.Data = append([]byte(nil), ix.Data...)
	}
	return out
}

type messageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// keyRole ranks keys in the order the message lists them.
type keyRole int

const (
	roleWritableSigner keyRole = iota
	roleReadonlySigner
	roleWritable
	roleReadonly
)

type keyEntry struct {
	key      Pubkey
	signer   bool
	writable bool
	order    int
}

func (k *keyEntry) role() keyRole {
	switch {
	case k.signer && k.writable:
		return roleWritableSigner
	case k.signer:
		return roleReadonlySigner
	case k.writable:
		return roleWritable
	default:
		return roleReadonly
	}
}

// collectKeys merges every key the instructions reference. A key listed more
// than once keeps the union of its flags, so a signer referenced again as
// read-only still signs. Within a role keys keep first-seen order, with the
// fee payer first overall.
func collectKeys(feePayer Pubkey, instructions []Instruction) []*keyEntry {
	byKey := make(map[Pubkey]*keyEntry, 16)
	var entries []*keyEntry
	add := func(pk Pubkey, signer, writable bool) {
		if e, ok := byKey[pk]; ok {
			e.signer = e.signer || signer
			e.writable = e.writable || writable
			return
		}
		e := &keyEntry{key: pk, signer: signer, writable: writable, order: len(entries)}
		byKey[pk] = e
		entries = append(entries, e)
	}

	add(feePayer, true, true)
	for _, ix := range instructions {
		for _, am := range ix.Accounts {
			add(am.Pubkey, am.IsSigner, am.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].role() < entries[j].role()
	})
	return entries
}

// compileLegacyMessage serializes the message the signatures cover and
// returns its account key table and header.
func compileLegacyMessage(recentBlockhash [32]byte, feePayer Pubkey, instructions []Instruction) ([]byte, []Pubkey, messageHeader, error) {
	entries := collectKeys(feePayer, instructions)
	if len(entries) > 256 {
		return nil, nil, messageHeader{}, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(entries))
	}

	var h messageHeader
	keys := make([]Pubkey, len(entries))
	index := make(map[Pubkey]uint8, len(entries))
	for i, e := range entries {
		keys[i] = e.key
		index[e.key] = uint8(i)
		switch e.role() {
		case roleWritableSigner:
			h.NumRequiredSignatures++
		case roleReadonlySigner:
			h.NumRequiredSignatures++
			h.NumReadonlySignedAccounts++
		case roleReadonly:
			h.NumReadonlyUnsignedAccounts++
		}
	}

	msg := make([]byte, 0, 3+1+32*len(keys)+32+256)
	msg = append(msg, h.NumRequiredSignatures, h.NumReadonlySignedAccounts, h.NumReadonlyUnsignedAccounts)
	msg = appendCompactU16(msg, len(keys))
	for _, k := range keys {
		msg = append(msg, k[:]...)
	}
	msg = append(msg, recentBlockhash[:]...)

	msg = appendCompactU16(msg, len(instructions))
	for _, ix := range instructions {
		msg = append(msg, index[ix.ProgramID])
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, am := range ix.Accounts {
			msg = append(msg, index[am.Pubkey])
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}
	return msg, keys, h, nil
}
