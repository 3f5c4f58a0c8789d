package raffle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	ErrMalformedAccount = errors.New("malformed raffle account")
	ErrNotFound         = errors.New("raffle not found")
)

// AccountDiscriminator prefixes every raffle account's data.
var AccountDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:Raffle"))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}()

// Record is the client-side view of a raffle account. Optional fields are nil
// until the program sets them.
type Record struct {
	Address   solana.Pubkey
	Authority solana.Pubkey
	Bump      uint8
	RaffleID  uint64
	Name      string

	Start time.Time
	End   time.Time

	PriceLamports      uint64
	MaxTickets         uint64
	TotalTicketsBought uint64
	// Tickets holds the buyer of each ticket in purchase order.
	Tickets []solana.Pubkey

	RandomnessCommitted bool
	Randomness          *[32]byte
	Winner              *solana.Pubkey
	WinnerIndex         *uint64
	PrizeAmount         uint64
	Claimed             bool
	IsActive            bool
}

func (r *Record) Identity() Identity {
	return Identity{Owner: r.Authority, ID: r.RaffleID}
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated at %s", ErrMalformedAccount, field)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8(field string) uint8 {
	b := r.take(1, field)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) boolean(field string) bool {
	v := r.u8(field)
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("%w: %s is not a bool (%d)", ErrMalformedAccount, field, v)
	}
	return v == 1
}

func (r *reader) u32(field string) uint32 {
	b := r.take(4, field)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64(field string) uint64 {
	b := r.take(8, field)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) pubkey(field string) solana.Pubkey {
	var pk solana.Pubkey
	copy(pk[:], r.take(32, field))
	return pk
}

// DecodeRaffle parses raffle account data. Trailing bytes from the account's
// fixed allocation are ignored.
func DecodeRaffle(address solana.Pubkey, data []byte) (*Record, error) {
	if len(data) < 8 || [8]byte(data[:8]) != AccountDiscriminator {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrMalformedAccount)
	}
	r := &reader{b: data, off: 8}
	rec := &Record{Address: address}

	rec.Authority = r.pubkey("authority")
	rec.Bump = r.u8("bump")
	rec.RaffleID = r.u64("raffle_id")
	winner := r.pubkey("winner")
	rec.Start = time.Unix(int64(r.u64("start_time")), 0).UTC()
	rec.End = time.Unix(int64(r.u64("end_time")), 0).UTC()

	nameLen := r.u32("name")
	if r.err == nil && nameLen > MaxNameLen {
		return nil, fmt.Errorf("%w: name length %d", ErrMalformedAccount, nameLen)
	}
	rec.Name = string(r.take(int(nameLen), "name"))

	winnerChosen := r.boolean("winner_chosen")
	rec.IsActive = r.boolean("is_active")
	var randomness [32]byte
	copy(randomness[:], r.take(32, "randomness"))
	rec.PriceLamports = r.u64("price")
	rec.TotalTicketsBought = r.u64("total_num_tickets_bought")

	n := r.u32("ticket_numbers")
	if r.err == nil && n > MaxTicketCapacity {
		return nil, fmt.Errorf("%w: %d ticket holders", ErrMalformedAccount, n)
	}
	if r.err == nil {
		rec.Tickets = make([]solana.Pubkey, 0, n)
		for i := uint32(0); i < n; i++ {
			rec.Tickets = append(rec.Tickets, r.pubkey("ticket_numbers"))
		}
	}

	rec.MaxTickets = r.u64("max_tickets")
	switch tag := r.u8("winner_index"); tag {
	case 0:
	case 1:
		idx := r.u64("winner_index")
		rec.WinnerIndex = &idx
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: winner_index option tag %d", ErrMalformedAccount, tag)
		}
	}
	rec.PrizeAmount = r.u64("prize_amount")
	rec.Claimed = r.boolean("claimed")
	rec.RandomnessCommitted = r.boolean("randomness_committed")
	if r.err != nil {
		return nil, r.err
	}

	if winnerChosen {
		rec.Winner = &winner
	}
	if randomness != ([32]byte{}) {
		rec.Randomness = &randomness
	}
	return rec, nil
}

// EncodeRaffle is the inverse of DecodeRaffle, used to build fixtures and
// local simulations.
func EncodeRaffle(rec *Record) []byte {
	out := make([]byte, 0, 8+32+1+8+32+8+8+4+len(rec.Name)+2+32+8+8+4+32*len(rec.Tickets)+8+9+8+2)
	out = append(out, AccountDiscriminator[:]...)
	out = append(out, rec.Authority[:]...)
	out = append(out, rec.Bump)
	out = binary.LittleEndian.AppendUint64(out, rec.RaffleID)
	var winner solana.Pubkey
	if rec.Winner != nil {
		winner = *rec.Winner
	}
	out = append(out, winner[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(rec.Start.Unix()))
	out = binary.LittleEndian.AppendUint64(out, uint64(rec.End.Unix()))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(rec.Name)))
	out = append(out, rec.Name...)
	out = append(out, boolByte(rec.Winner != nil), boolByte(rec.IsActive))
	var randomness [32]byte
	if rec.Randomness != nil {
		randomness = *rec.Randomness
	}
	out = append(out, randomness[:]...)
	out = binary.LittleEndian.AppendUint64(out, rec.PriceLamports)
	out = binary.LittleEndian.AppendUint64(out, rec.TotalTicketsBought)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(rec.Tickets)))
	for _, t := range rec.Tickets {
		out = append(out, t[:]...)
	}
	out = binary.LittleEndian.AppendUint64(out, rec.MaxTickets)
	if rec.WinnerIndex != nil {
		out = append(out, 1)
		out = binary.LittleEndian.AppendUint64(out, *rec.WinnerIndex)
	} else {
		out = append(out, 0)
	}
	out = binary.LittleEndian.AppendUint64(out, rec.PrizeAmount)
	out = append(out, boolByte(rec.Claimed), boolByte(rec.RandomnessCommitted))
	return out
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
