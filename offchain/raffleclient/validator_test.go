package raffleclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
)

func sighash(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return [8]byte(sum[:8])
}

var (
	opInitConfig = sighash("init_config")
	opInitRaffle = sighash("init_raffle")
	opBuyTickets = sighash("buy_tickets")
	opCommit     = sighash("commit_randomness")
	opReveal     = sighash("reveal_winner")
	opClaim      = sighash("claim_prize")
)

// validator executes raffle instructions against in-memory accounts and
// rejects them with the codes the program uses.
type validator struct {
	mu        sync.Mutex
	programID solana.Pubkey
	accounts  map[solana.Pubkey][]byte
	blockhash byte
	sent      []*solana.Envelope

	// onSend runs before each submission is executed; afterSend runs once it
	// has been executed or rejected.
	onSend    func(v *validator)
	afterSend func(v *validator)
	// expireNext rejects the next submission as carrying a stale blockhash.
	expireNext bool
}

func newValidator(programID solana.Pubkey) *validator {
	return &validator{programID: programID, accounts: make(map[solana.Pubkey][]byte)}
}

func (v *validator) putRecord(rec *raffle.Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounts[rec.Address] = raffle.EncodeRaffle(rec)
}

func (v *validator) record(addr solana.Pubkey) *raffle.Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := raffle.DecodeRaffle(addr, v.accounts[addr])
	if err != nil {
		panic(err)
	}
	return rec
}

// buyAs appends a purchase directly, as if another client's transaction
// landed first.
func (v *validator) buyAs(addr, buyer solana.Pubkey) {
	rec := v.record(addr)
	rec.Tickets = append(rec.Tickets, buyer)
	rec.TotalTicketsBought++
	v.putRecord(rec)
}

func (v *validator) sendCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sent)
}

func (v *validator) LatestBlockhash(context.Context) ([32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.blockhash++
	return [32]byte{v.blockhash}, nil
}

func (v *validator) AccountInfo(_ context.Context, pk solana.Pubkey) (*solanarpc.AccountInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.accounts[pk]
	if !ok {
		return nil, nil
	}
	return &solanarpc.AccountInfo{Owner: v.programID, Lamports: 1, Data: append([]byte(nil), data...)}, nil
}

func (v *validator) ProgramAccounts(_ context.Context, programID solana.Pubkey, _ ...solanarpc.Filter) ([]solanarpc.ProgramAccount, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []solanarpc.ProgramAccount
	for pk, data := range v.accounts {
		if programID != v.programID || !bytes.HasPrefix(data, raffle.AccountDiscriminator[:]) {
			continue
		}
		out = append(out, solanarpc.ProgramAccount{
			Pubkey:  pk,
			Account: solanarpc.AccountInfo{Owner: v.programID, Data: append([]byte(nil), data...)},
		})
	}
	return out, nil
}

func (v *validator) SendTransaction(_ context.Context, raw []byte, _ bool) (string, error) {
	env, err := solana.DecodeEnvelope(raw)
	if err != nil {
		return "", err
	}
	if !env.FullySigned() {
		return "", &solanarpc.RPCError{Code: -32003, Message: "Transaction signature verification failure"}
	}
	if v.onSend != nil {
		v.onSend(v)
	}
	if v.afterSend != nil {
		defer v.afterSend(v)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.sent = append(v.sent, env)
	if v.expireNext {
		v.expireNext = false
		return "", &solanarpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	}
	for i, ix := range env.Instructions() {
		if ix.ProgramID != v.programID {
			continue
		}
		if code, failed := v.apply(ix); failed {
			return "", &solanarpc.RPCError{
				Code:    -32002,
				Message: fmt.Sprintf("Transaction simulation failed: Error processing Instruction %d: custom program error: 0x%x", i, code),
				Data:    []byte(fmt.Sprintf(`{"err":{"InstructionError":[%d,{"Custom":%d}]},"logs":["Program log: rejected"]}`, i, code)),
			}
		}
	}
	return env.ID(), nil
}

func (v *validator) WaitForSignature(context.Context, string, string, solanarpc.PollPolicy) (*solanarpc.SignatureStatus, error) {
	return &solanarpc.SignatureStatus{ConfirmationStatus: "confirmed"}, nil
}

func (v *validator) load(addr solana.Pubkey) *raffle.Record {
	rec, err := raffle.DecodeRaffle(addr, v.accounts[addr])
	if err != nil {
		panic(err)
	}
	return rec
}

func (v *validator) store(rec *raffle.Record) {
	v.accounts[rec.Address] = raffle.EncodeRaffle(rec)
}

// apply runs one raffle instruction under v.mu.
func (v *validator) apply(ix solana.Instruction) (uint32, bool) {
	switch [8]byte(ix.Data[:8]) {
	case opInitConfig:
		addr := ix.Accounts[1].Pubkey
		if _, exists := v.accounts[addr]; exists {
			return 0, true
		}
		d := ix.Data[8:]
		id := binary.LittleEndian.Uint64(d)
		n := int(binary.LittleEndian.Uint32(d[8:]))
		name := string(d[12 : 12+n])
		rest := d[12+n:]
		v.store(&raffle.Record{
			Address:       addr,
			Authority:     ix.Accounts[0].Pubkey,
			RaffleID:      id,
			Name:          name,
			Start:         time.Unix(int64(binary.LittleEndian.Uint64(rest)), 0).UTC(),
			End:           time.Unix(int64(binary.LittleEndian.Uint64(rest[8:])), 0).UTC(),
			PriceLamports: binary.LittleEndian.Uint64(rest[16:]),
			MaxTickets:    binary.LittleEndian.Uint64(rest[24:]),
			IsActive:      true,
		})
	case opInitRaffle:
	case opBuyTickets:
		rec := v.load(ix.Accounts[1].Pubkey)
		want, err := raffle.TicketMintAddress(v.programID, rec.Address, rec.TotalTicketsBought)
		if err != nil {
			panic(err)
		}
		if ix.Accounts[2].Pubkey != want.Address {
			return 2006, true
		}
		if rec.TotalTicketsBought >= rec.MaxTickets {
			return 6002, true
		}
		rec.Tickets = append(rec.Tickets, ix.Accounts[0].Pubkey)
		rec.TotalTicketsBought++
		v.store(rec)
	case opCommit:
		rec := v.load(ix.Accounts[1].Pubkey)
		if ix.Accounts[0].Pubkey != rec.Authority {
			return 6008, true
		}
		rec.RandomnessCommitted = true
		v.store(rec)
	case opReveal:
		rec := v.load(ix.Accounts[1].Pubkey)
		if !rec.RandomnessCommitted {
			return 6007, true
		}
		if ix.Accounts[0].Pubkey != rec.Authority {
			return 6008, true
		}
		winner, idx := rec.Tickets[0], uint64(0)
		rec.Winner, rec.WinnerIndex = &winner, &idx
		rec.IsActive = false
		v.store(rec)
	case opClaim:
		rec := v.load(ix.Accounts[0].Pubkey)
		if rec.Claimed {
			return 0, true
		}
		if rec.Winner == nil || *rec.Winner != ix.Accounts[1].Pubkey {
			return 6017, true
		}
		rec.Claimed = true
		v.store(rec)
	default:
		return 101, true
	}
	return 0, false
}
