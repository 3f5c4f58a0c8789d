package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Abdullah1738/token-raffle/internal/config"
	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/raffleclient"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, in io.Reader, out io.Writer) error {
	if len(argv) == 0 || argv[0] == "-h" || argv[0] == "--help" || argv[0] == "help" {
		usage(out)
		return nil
	}

	a := &app{in: in, out: out}
	switch argv[0] {
	case "keygen":
		return a.cmdKeygen(argv[1:])
	case "pda":
		return a.cmdPDA(argv[1:])
	case "create":
		return a.cmdCreate(ctx, argv[1:])
	case "list":
		return a.cmdList(ctx, argv[1:])
	case "show":
		return a.cmdShow(ctx, argv[1:])
	case "buy":
		return a.cmdBuy(ctx, argv[1:])
	case "my-tickets":
		return a.cmdMyTickets(ctx, argv[1:])
	case "commit":
		return a.cmdCommit(ctx, argv[1:])
	case "commit-mock":
		return a.cmdCommitMock(ctx, argv[1:])
	case "reveal":
		return a.cmdReveal(ctx, argv[1:])
	case "claim":
		return a.cmdClaim(ctx, argv[1:])
	case "history":
		return a.cmdHistory(ctx, argv[1:])
	default:
		return fmt.Errorf("unknown command: %s", argv[0])
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "raffle: token raffle client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  raffle keygen [--out <path>] [--force]")
	fmt.Fprintln(w, "  raffle pda --authority <base58> --id <u64> [--ticket <index>] [--program-id <base58>]")
	fmt.Fprintln(w, "  raffle create --name <s> --price-lamports <u64> --max-tickets <u64> --duration <dur> [--start <rfc3339>] [--id <u64>]")
	fmt.Fprintln(w, "  raffle list")
	fmt.Fprintln(w, "  raffle show --authority <base58> --id <u64>")
	fmt.Fprintln(w, "  raffle buy --authority <base58> --id <u64>")
	fmt.Fprintln(w, "  raffle my-tickets --authority <base58> --id <u64> [--holder <base58>]")
	fmt.Fprintln(w, "  raffle commit --id <u64> --server <url> [--yes]")
	fmt.Fprintln(w, "  raffle commit-mock --id <u64>")
	fmt.Fprintln(w, "  raffle reveal --id <u64>")
	fmt.Fprintln(w, "  raffle claim --authority <base58> --id <u64>")
	fmt.Fprintln(w, "  raffle history --authority <base58> --id <u64> [--limit <n>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every command that signs takes --keypair (default: Solana CLI id.json).")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  RPC_URL, or HELIUS_API_KEY / HELIUS_CLUSTER")
	fmt.Fprintln(w, "  RAFFLE_PROGRAM_ID, DEPLOYMENT / DEPLOYMENT_FILE (optional)")
	fmt.Fprintln(w, "  CU_LIMIT, CU_PRICE, POLL_INTERVAL, POLL_MAX_ATTEMPTS (optional)")
}

type app struct {
	in  io.Reader
	out io.Writer

	rpc    *solanarpc.Client
	client *raffleclient.Client
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, argv []string) error {
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if len(fs.Args()) != 0 {
		return fmt.Errorf("unexpected args: %v", fs.Args())
	}
	return nil
}

// cliLogger writes warnings and errors to stderr; results go to stdout.
func cliLogger() *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), zapcore.WarnLevel)
	return zap.New(core)
}

// connect loads the configuration and builds the raffle client.
func (a *app) connect() error {
	if a.client != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rpcURL, err := cfg.RPCEndpoint()
	if err != nil {
		return err
	}
	programID, err := cfg.RaffleProgramID()
	if err != nil {
		return err
	}
	oracle, err := cfg.RandomnessBinding()
	if err != nil {
		return err
	}
	log := cliLogger()

	var fees txbuilder.PriceEstimator
	if cfg.Chain.HeliusAPIKey != "" {
		u, err := helius.RPCURL(helius.Cluster(cfg.Chain.HeliusCluster), cfg.Chain.HeliusAPIKey)
		if err != nil {
			return fmt.Errorf("helius: %w", err)
		}
		fees = helius.NewClient(u, nil)
	}

	a.rpc = solanarpc.New(rpcURL, nil)
	poll := cfg.PollPolicy()
	a.client = raffleclient.New(
		programID,
		oracle,
		a.rpc,
		txbuilder.NewComposer(a.rpc, fees, log),
		txbuilder.NewSubmitter(a.rpc, poll, log),
		poll,
		log,
	)
	return nil
}

func loadWallet(path string) (commit.KeypairWallet, error) {
	key, err := solana.LoadKeypair(path)
	if err != nil {
		return commit.KeypairWallet{}, fmt.Errorf("load keypair: %w", err)
	}
	return commit.KeypairWallet{Key: key}, nil
}

// raffleFlags are the flags that name a raffle. When authority is omitted
// the signing wallet is the authority.
type raffleFlags struct {
	authority string
	id        string
}

func (r *raffleFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.authority, "authority", "", "Raffle authority (base58)")
	fs.StringVar(&r.id, "id", "", "Raffle id (u64)")
}

func (r *raffleFlags) identity(fallback solana.Pubkey) (raffle.Identity, error) {
	var id raffle.Identity
	if strings.TrimSpace(r.id) == "" {
		return id, errors.New("--id is required")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(r.id), 10, 64)
	if err != nil {
		return id, fmt.Errorf("parse --id: %w", err)
	}
	id.ID = n
	switch {
	case r.authority != "":
		id.Owner, err = solana.ParsePubkey(r.authority)
		if err != nil {
			return id, fmt.Errorf("parse --authority: %w", err)
		}
	case !fallback.IsZero():
		id.Owner = fallback
	default:
		return id, errors.New("--authority is required")
	}
	return id, nil
}

// promptWallet asks on the terminal before signing. Declining maps to
// commit.ErrSignatureCancelled.
type promptWallet struct {
	commit.KeypairWallet
	in  *bufio.Reader
	out io.Writer
}

func (w promptWallet) SignTransaction(ctx context.Context, env *solana.Envelope) error {
	fmt.Fprintf(w.out, "sign transaction as %s? [y/N] ", w.PublicKey().Base58())
	line, err := w.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return w.KeypairWallet.SignTransaction(ctx, env)
	default:
		return commit.ErrSignatureCancelled
	}
}
