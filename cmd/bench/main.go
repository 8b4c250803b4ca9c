package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JoeShih716/go-bank-ledger/internal/app"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-bank-ledger/internal/app/core/usecase"
)

const (
	DefaultTotalCount  = 100000
	DefaultConcurrency = 1000
	DefaultAccounts    = 100
	OpeningBalance     = 1_000_000
)

func main() {
	totalCount := flag.Int("n", DefaultTotalCount, "number of operations")
	concurrency := flag.Int("c", DefaultConcurrency, "concurrent workers")
	accountCount := flag.Int("accounts", DefaultAccounts, "number of accounts")
	dataDir := flag.String("data", "", "data dir (default: a temp dir removed on exit)")
	flag.Parse()

	if *accountCount < 2 {
		log.Fatalf("need at least 2 accounts, got %d", *accountCount)
	}

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "ledger-bench-*")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Storage.Backend = app.BackendFile
	cfg.Storage.DataDir = dir
	cfg.LogLevel = "warn"

	ctx := context.Background()
	rt, err := app.Open(ctx, cfg, app.NewLogger(cfg))
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer rt.Close()

	// 1. 開戶
	ids := make([]string, *accountCount)
	for i := range ids {
		acc, err := rt.Facade.OpenAccount(ctx, usecase.OpenAccountRequest{
			Owner:          fmt.Sprintf("bench-%d", i),
			OpeningBalance: OpeningBalance,
		})
		if err != nil {
			log.Fatalf("Failed to open account: %v", err)
		}
		ids[i] = acc.ID
	}
	expected, err := total(ctx, rt.Facade, ids)
	if err != nil {
		log.Fatalf("Failed to read balances: %v", err)
	}

	// 2. 壓測: 隨機的存款、提款、轉帳
	var committed, rejected, conflicts atomic.Int64
	var deposited, withdrawn atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	startTime := time.Now()
	for i := 0; i < *totalCount; i++ {
		g.Go(func() error {
			amount := rand.Int64N(1000) + 1
			src := ids[rand.IntN(len(ids))]
			dst := ids[rand.IntN(len(ids))]

			var err error
			switch rand.IntN(4) {
			case 0:
				_, err = rt.Facade.Deposit(gctx, usecase.DepositRequest{RequestID: uuid.New(), AccountID: dst, Amount: amount})
				if err == nil {
					deposited.Add(amount)
				}
			case 1:
				_, err = rt.Facade.Withdraw(gctx, usecase.WithdrawRequest{RequestID: uuid.New(), AccountID: src, Amount: amount})
				if err == nil {
					withdrawn.Add(amount)
				}
			default:
				_, err = rt.Facade.Transfer(gctx, usecase.TransferRequest{RequestID: uuid.New(), SourceID: src, DestinationID: dst, Amount: amount})
			}

			switch {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, domain.ErrVersionConflict):
				conflicts.Add(1)
			case domain.IsRejection(err):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark aborted: %v", err)
	}
	elapsed := time.Since(startTime)

	// 3. 守恆檢查: 期初 + 存款 - 提款 = 期末
	got, err := total(ctx, rt.Facade, ids)
	if err != nil {
		log.Fatalf("Failed to read balances: %v", err)
	}
	want := expected + deposited.Load() - withdrawn.Load()

	fmt.Printf("Completed %d requests in %v\n", *totalCount, elapsed)
	fmt.Printf("TPS: %.2f\n", float64(*totalCount)/elapsed.Seconds())
	fmt.Printf("committed=%d rejected=%d conflicts=%d\n", committed.Load(), rejected.Load(), conflicts.Load())
	fmt.Printf("total balance %s (expected %s)\n", domain.FormatAmount(got), domain.FormatAmount(want))
	if got != want {
		log.Fatalf("conservation violated: got %d, want %d", got, want)
	}
}

func total(ctx context.Context, facade *usecase.Facade, ids []string) (int64, error) {
	var sum int64
	for _, id := range ids {
		balance, err := facade.BalanceOf(ctx, id)
		if err != nil {
			return 0, err
		}
		sum += balance
	}
	return sum, nil
}
