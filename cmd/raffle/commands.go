package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/commitserver"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/raffleclient"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

func (a *app) cmdKeygen(argv []string) error {
	fs := newFlagSet("keygen")
	var (
		path  string
		force bool
	)
	fs.StringVar(&path, "out", solana.DefaultKeypairPath(), "Output path (Solana CLI JSON format)")
	fs.BoolVar(&force, "force", false, "Overwrite an existing file")
	if err := parse(fs, argv); err != nil {
		return err
	}
	pub, err := solana.GenerateKeypairFile(path, force)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, pub.Base58())
	return nil
}

func (a *app) cmdPDA(argv []string) error {
	fs := newFlagSet("pda")
	var (
		rf        raffleFlags
		programID string
		ticket    int64
	)
	rf.register(fs)
	fs.StringVar(&programID, "program-id", raffle.DefaultProgramID.Base58(), "Raffle program id (base58)")
	fs.Int64Var(&ticket, "ticket", -1, "Also derive the mint for this zero-based ticket index")
	if err := parse(fs, argv); err != nil {
		return err
	}
	pid, err := solana.ParsePubkey(programID)
	if err != nil {
		return fmt.Errorf("parse --program-id: %w", err)
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}

	raffleAddr, err := raffle.RaffleAddress(pid, id)
	if err != nil {
		return err
	}
	mintAuth, err := raffle.MintAuthorityAddress(pid, raffleAddr.Address)
	if err != nil {
		return err
	}
	collection, err := raffle.CollectionMintAddress(pid, raffleAddr.Address)
	if err != nil {
		return err
	}
	prize, err := raffle.PrizeMintAddress(pid, raffleAddr.Address)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "raffle          %s (bump %d)\n", raffleAddr.Address, raffleAddr.Bump)
	fmt.Fprintf(a.out, "mint_authority  %s\n", mintAuth.Address)
	fmt.Fprintf(a.out, "collection_mint %s\n", collection.Address)
	fmt.Fprintf(a.out, "prize_mint      %s\n", prize.Address)
	if ticket >= 0 {
		t, err := raffle.TicketMintAddress(pid, raffleAddr.Address, uint64(ticket))
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "ticket_mint     %s\n", t.Address)
	}
	return nil
}

func (a *app) cmdCreate(ctx context.Context, argv []string) error {
	fs := newFlagSet("create")
	var (
		keypair    string
		name       string
		id         uint64
		price      uint64
		maxTickets uint64
		start      string
		duration   time.Duration
	)
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Authority keypair path")
	fs.StringVar(&name, "name", "", "Raffle name")
	fs.Uint64Var(&id, "id", 0, "Raffle id (default: current time in ms)")
	fs.Uint64Var(&price, "price-lamports", 0, "Ticket price in lamports")
	fs.Uint64Var(&maxTickets, "max-tickets", 0, "Ticket cap")
	fs.StringVar(&start, "start", "", "Start time, RFC3339 (default: now)")
	fs.DurationVar(&duration, "duration", 0, "How long ticket sales run")
	if err := parse(fs, argv); err != nil {
		return err
	}
	if name == "" || price == 0 || maxTickets == 0 || duration <= 0 {
		return errors.New("--name, --price-lamports, --max-tickets, and --duration are required")
	}
	startAt := time.Now()
	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		startAt = t
	}

	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	created, err := a.client.CreateRaffle(ctx, wallet, raffleclient.CreateParams{
		RaffleID:      id,
		Name:          name,
		Start:         startAt,
		End:           startAt.Add(duration),
		PriceLamports: price,
		MaxTickets:    maxTickets,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "raffle %s created at %s\n", created.Identity, created.Address)
	fmt.Fprintf(a.out, "signature %s\n", created.Signature)
	return nil
}

func (a *app) cmdList(ctx context.Context, argv []string) error {
	fs := newFlagSet("list")
	if err := parse(fs, argv); err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	recs, err := a.client.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range recs {
		fmt.Fprintf(a.out, "%s  %-10s %4d/%-4d %s  %q\n",
			r.Identity(),
			raffle.Classify(r, now),
			r.TotalTicketsBought, r.MaxTickets,
			raffle.FormatTimeLeft(raffle.TimeLeft(r, now)),
			r.Name,
		)
	}
	return nil
}

func (a *app) cmdShow(ctx context.Context, argv []string) error {
	fs := newFlagSet("show")
	var (
		rf     raffleFlags
		viewer string
	)
	rf.register(fs)
	fs.StringVar(&viewer, "viewer", "", "Show available actions for this wallet (base58)")
	if err := parse(fs, argv); err != nil {
		return err
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}
	var viewerKey solana.Pubkey
	if viewer != "" {
		if viewerKey, err = solana.ParsePubkey(viewer); err != nil {
			return fmt.Errorf("parse --viewer: %w", err)
		}
	}
	if err := a.connect(); err != nil {
		return err
	}
	r, err := a.client.Fetch(ctx, id)
	if err != nil {
		return err
	}
	printRecord(a, r, time.Now(), viewerKey)
	return nil
}

func printRecord(a *app, r *raffle.Record, now time.Time, viewer solana.Pubkey) {
	fmt.Fprintf(a.out, "address    %s\n", r.Address)
	fmt.Fprintf(a.out, "raffle     %s %q\n", r.Identity(), r.Name)
	fmt.Fprintf(a.out, "phase      %s\n", raffle.Classify(r, now))
	fmt.Fprintf(a.out, "window     %s .. %s (%s)\n", r.Start.UTC().Format(time.RFC3339), r.End.UTC().Format(time.RFC3339), raffle.FormatTimeLeft(raffle.TimeLeft(r, now)))
	fmt.Fprintf(a.out, "tickets    %d/%d at %d lamports\n", r.TotalTicketsBought, r.MaxTickets, r.PriceLamports)
	fmt.Fprintf(a.out, "pot        %d lamports\n", r.PrizeAmount)
	if r.Winner != nil {
		idx := uint64(0)
		if r.WinnerIndex != nil {
			idx = *r.WinnerIndex + 1
		}
		fmt.Fprintf(a.out, "winner     %s (ticket %d, claimed=%t)\n", r.Winner, idx, r.Claimed)
	}
	if !viewer.IsZero() {
		actions := raffle.AvailableActions(r, now, viewer)
		names := make([]string, 0, len(actions))
		for _, act := range actions {
			names = append(names, string(act))
		}
		fmt.Fprintf(a.out, "actions    %s\n", strings.Join(names, ", "))
	}
}

func (a *app) cmdBuy(ctx context.Context, argv []string) error {
	fs := newFlagSet("buy")
	var (
		rf      raffleFlags
		keypair string
	)
	rf.register(fs)
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Buyer keypair path")
	if err := parse(fs, argv); err != nil {
		return err
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}
	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	p, err := a.client.BuyTicket(ctx, id, wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "ticket #%d mint %s\n", p.Index+1, p.Mint)
	fmt.Fprintf(a.out, "signature %s (attempts %d)\n", p.Signature, p.Attempts)
	return nil
}

func (a *app) cmdMyTickets(ctx context.Context, argv []string) error {
	fs := newFlagSet("my-tickets")
	var (
		rf      raffleFlags
		holder  string
		keypair string
	)
	rf.register(fs)
	fs.StringVar(&holder, "holder", "", "Ticket holder (default: keypair public key)")
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Keypair path used when --holder is omitted")
	if err := parse(fs, argv); err != nil {
		return err
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}
	var who solana.Pubkey
	if holder != "" {
		if who, err = solana.ParsePubkey(holder); err != nil {
			return fmt.Errorf("parse --holder: %w", err)
		}
	} else {
		w, err := loadWallet(keypair)
		if err != nil {
			return err
		}
		who = w.PublicKey()
	}
	if err := a.connect(); err != nil {
		return err
	}
	tickets, err := a.client.MyTickets(ctx, id, who)
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		fmt.Fprintln(a.out, "no tickets")
		return nil
	}
	for _, n := range tickets {
		fmt.Fprintf(a.out, "#%d\n", n)
	}
	return nil
}

func (a *app) cmdCommit(ctx context.Context, argv []string) error {
	fs := newFlagSet("commit")
	var (
		rf      raffleFlags
		keypair string
		server  string
		yes     bool
	)
	fs.StringVar(&rf.id, "id", "", "Raffle id (u64)")
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Authority keypair path")
	fs.StringVar(&server, "server", "", "Commit server base URL")
	fs.BoolVar(&yes, "yes", false, "Sign without prompting")
	if err := parse(fs, argv); err != nil {
		return err
	}
	if server == "" {
		return errors.New("--server is required")
	}
	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	id, err := rf.identity(wallet.PublicKey())
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}

	var cc commitserver.Client
	prepared, err := cc.RequestCommit(ctx, strings.TrimRight(server, "/"), id.ID, wallet.PublicKey())
	if err != nil {
		return fmt.Errorf("request commit: %w", err)
	}
	fmt.Fprintf(a.out, "randomness account %s\n", prepared.RandomnessAddress)

	var signer commit.WalletSigner = wallet
	if !yes {
		signer = promptWallet{KeypairWallet: wallet, in: bufio.NewReader(a.in), out: a.out}
	}
	outcome, err := a.client.FinalizeCommit(ctx, prepared, signer)
	if errors.Is(err, commit.ErrSignatureCancelled) {
		fmt.Fprintln(a.out, "cancelled; nothing was sent")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: signature %s\n", outcome.State, outcome.Signature)
	return nil
}

func (a *app) cmdCommitMock(ctx context.Context, argv []string) error {
	fs := newFlagSet("commit-mock")
	var (
		rf      raffleFlags
		keypair string
	)
	fs.StringVar(&rf.id, "id", "", "Raffle id (u64)")
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Authority keypair path")
	if err := parse(fs, argv); err != nil {
		return err
	}
	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	id, err := rf.identity(wallet.PublicKey())
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	outcome, err := a.client.CommitMock(ctx, id, wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: signature %s\n", outcome.State, outcome.Signature)
	return nil
}

func (a *app) cmdReveal(ctx context.Context, argv []string) error {
	fs := newFlagSet("reveal")
	var (
		rf      raffleFlags
		keypair string
	)
	fs.StringVar(&rf.id, "id", "", "Raffle id (u64)")
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Authority keypair path")
	if err := parse(fs, argv); err != nil {
		return err
	}
	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	id, err := rf.identity(wallet.PublicKey())
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	rv, err := a.client.RevealWinner(ctx, id, wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "signature %s\n", rv.Signature)
	if rv.Record != nil && rv.Record.Winner != nil {
		fmt.Fprintf(a.out, "winner %s\n", rv.Record.Winner)
	}
	return nil
}

func (a *app) cmdClaim(ctx context.Context, argv []string) error {
	fs := newFlagSet("claim")
	var (
		rf      raffleFlags
		keypair string
	)
	rf.register(fs)
	fs.StringVar(&keypair, "keypair", solana.DefaultKeypairPath(), "Winner keypair path")
	if err := parse(fs, argv); err != nil {
		return err
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}
	wallet, err := loadWallet(keypair)
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	c, err := a.client.ClaimPrize(ctx, id, wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "prize mint %s\n", c.PrizeMint)
	fmt.Fprintf(a.out, "signature %s\n", c.Signature)
	return nil
}

func (a *app) cmdHistory(ctx context.Context, argv []string) error {
	fs := newFlagSet("history")
	var (
		rf    raffleFlags
		limit int
	)
	rf.register(fs)
	fs.IntVar(&limit, "limit", 20, "Maximum signatures")
	if err := parse(fs, argv); err != nil {
		return err
	}
	id, err := rf.identity(solana.Pubkey{})
	if err != nil {
		return err
	}
	if err := a.connect(); err != nil {
		return err
	}
	addr, err := raffle.RaffleAddress(a.client.ProgramID(), id)
	if err != nil {
		return err
	}
	sigs, err := a.rpc.SignaturesForAddress(ctx, addr.Address.Base58(), limit)
	if err != nil {
		return err
	}
	for _, s := range sigs {
		when := "-"
		if s.BlockTime != nil {
			when = time.Unix(*s.BlockTime, 0).UTC().Format(time.RFC3339)
		}
		status := "ok"
		if s.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(a.out, "%s  slot %d  %s  %s\n", when, s.Slot, status, s.Signature)
	}
	return nil
}
