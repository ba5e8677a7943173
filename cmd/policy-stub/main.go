package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/logging"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// #region main
func main() {
	addr := flag.String("addr", envOr("PAIRSIM_POLICY_ADDR", "localhost:50061"), "listen address")
	mode := flag.String("mode", "random", "random or noop")
	seed := flag.Uint64("seed", 0, "random seed (0 picks one)")
	logLevel := flag.String("log-level", envOr("PAIRSIM_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	logger, closer, err := logging.New(logging.Options{Level: logging.ParseLevel(*logLevel)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	var p policy.Client
	switch *mode {
	case "random":
		if *seed == 0 {
			*seed = uint64(time.Now().UnixNano())
		}
		p = newRandomPolicy(*seed)
	case "noop":
		p = policy.NewScripted()
	default:
		fmt.Fprintln(os.Stderr, "usage: policy-stub [-addr host:port] [-mode random|noop] [-seed n]")
		os.Exit(2)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("listen", "addr", *addr, "error", err)
		os.Exit(1)
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(logRequests(logger)))
	policy.RegisterPolicyServer(srv, p)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("policy stub listening", "addr", lis.Addr().String(), "mode", *mode, "seed", *seed)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	logger.Info("policy stub stopped")
}

// #endregion main

// #region random-policy

var snippets = []string{
	"x = 1",
	"return x",
	"for i in range(n):\n    total += i",
	"if x is None:\n    raise ValueError(\"x\")",
	"print(result)",
	"items.append(value)",
}

var explanations = []string{
	"initializes the counter",
	"guards against missing input",
	"accumulates the running total\nbefore returning it",
}

// randomPolicy answers with uniformly drawn actions. Humans write code,
// assistants explain it or pass.
type randomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandomPolicy(seed uint64) *randomPolicy {
	return &randomPolicy{rng: rand.New(rand.NewPCG(seed, seed>>1))}
}

func (p *randomPolicy) RequestHumanTurn(_ context.Context, req policy.TurnRequest) (policy.TurnResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := []policy.ActionKind{
		policy.ActionFillPartialLine,
		policy.ActionReplaceAndAppendSingleLine,
		policy.ActionReplaceAndAppendMultiLine,
		policy.ActionEditExistingLines,
	}
	return p.draw(req, kinds, snippets), nil
}

func (p *randomPolicy) RequestAssistantTurn(_ context.Context, req policy.TurnRequest) (policy.TurnResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := []policy.ActionKind{
		policy.ActionNoOp,
		policy.ActionExplainSingleLine,
		policy.ActionExplainMultiLine,
	}
	return p.draw(req, kinds, explanations), nil
}

func (p *randomPolicy) draw(req policy.TurnRequest, kinds []policy.ActionKind, payloads []string) policy.TurnResponse {
	kind := kinds[p.rng.IntN(len(kinds))]
	lines := strings.Count(req.Document, "\n") + 1
	return policy.TurnResponse{
		Action:     kind,
		RawAction:  int(kind),
		TargetLine: p.rng.IntN(lines) + 1,
		Payload:    payloads[p.rng.IntN(len(payloads))],
	}
}

// #endregion random-policy

// #region helpers
func logRequests(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("policy call", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
		return resp, err
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
