package oracled

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"priceoracle/config"
	"priceoracle/internal/api"
	"priceoracle/internal/metrics"
	"priceoracle/internal/model"
	"priceoracle/internal/oracle"
	sqlitestore "priceoracle/internal/store/sqlite"
)

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	v1     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	v2     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	v3     = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func testConfig(dbPath string) *config.Config {
	return &config.Config{
		MinSubmitters:         3,
		ConsensusToleranceBps: 100,
		StalenessThresholdSec: 3600,
		CircuitBreakerBps:     1000,
		ExternalDeviationBps:  500,
		TWAPWindowSec:         1800,
		MaxAssets:             16,
		Assets:                []string{assetA.Hex()},
		Validators:            v1.Hex() + "," + v2.Hex() + "," + v3.Hex(),
		SQLitePath:            dbPath,
		StaleCheckSpec:        "@every 1m",
		RetentionDays:         30,
		WSReplayCapacity:      16,
		ShutdownTimeout:       5 * time.Second,
	}
}

func newService(t *testing.T, cfg *config.Config) (*Service, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	svc, err := New(cfg, Options{Metrics: m, SkipRedis: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, m
}

// start runs the service and returns a stop func that waits for shutdown.
func start(t *testing.T, svc *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, "bootstrap", func() bool { return svc.Engine().IsRegistered(assetA) })
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("service did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitRound(t *testing.T, eng *oracle.Engine, prices ...int64) {
	t.Helper()
	for i, v := range []common.Address{v1, v2, v3}[:len(prices)] {
		if _, err := eng.SubmitPrice(context.Background(), assetA, v, model.Units(prices[i])); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
}

func TestService_JournalsAndRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.db")
	cfg := testConfig(path)

	svc, m := newService(t, cfg)
	stop := start(t, svc)

	submitRound(t, svc.Engine(), 1000, 1010, 1020)
	svc.applyParams([]byte(`{"twap_window_seconds":600}`))

	reader, err := sqlitestore.NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	waitFor(t, "journaled round", func() bool {
		r, err := reader.ReadRound(assetA, 0)
		return err == nil && r != nil
	})
	waitFor(t, "persisted params", func() bool {
		var p oracle.Params
		ok, err := reader.ReadParams(&p)
		return err == nil && ok && p.TWAPWindowSeconds == 600
	})
	if got := testutil.ToFloat64(m.RoundsFinalized.WithLabelValues(model.AssetKey(assetA))); got != 1 {
		t.Errorf("rounds finalized metric = %v", got)
	}
	waitFor(t, "round on the ws hub", func() bool {
		return svc.Hub().GetChannelSeq(model.PriceChannel(assetA)) == 1
	})
	stop()

	// a second process over the same journal resumes where the first stopped
	again, _ := newService(t, cfg)
	defer again.closeStores()
	eng := again.Engine()

	price, err := eng.LatestPrice(assetA)
	if err != nil || price.Cmp(model.Units(1010)) != 0 {
		t.Errorf("restored latest = %v, %v", price, err)
	}
	if r, _ := eng.CurrentRound(assetA); r != 1 {
		t.Errorf("restored current round = %d, want 1", r)
	}
	if p := eng.Params(); p.TWAPWindowSeconds != 600 {
		t.Errorf("persisted params not restored: %+v", p)
	}
	twap, err := eng.TWAP(assetA)
	if err != nil || twap.Sign() <= 0 {
		t.Errorf("restored history should feed TWAP, got %v, %v", twap, err)
	}

	// round 0 is no longer in memory; the API falls back to the journal
	if _, err := eng.Round(assetA, 0); !errors.Is(err, oracle.ErrRoundNotFound) {
		t.Fatalf("expected round 0 to be gone from memory, got %v", err)
	}
	rec, err := again.archivedRound(context.Background(), assetA, 0)
	if err != nil || rec == nil {
		t.Fatalf("archived round 0: %v, %v", rec, err)
	}
	if !rec.Finalized || rec.ConsensusPrice.Cmp(model.Units(1010)) != 0 || len(rec.Submissions) != 3 {
		t.Errorf("unexpected archived round %+v", rec)
	}
}

func TestService_RestoresReferenceFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.db")
	cfg := testConfig(path)

	svc, _ := newService(t, cfg)
	now := time.Now()
	if err := svc.sqlW.SaveAsset(assetA, now); err != nil {
		t.Fatal(err)
	}
	req := api.ReferenceRequest{Asset: assetA.Hex(), Name: "ref", URL: "http://127.0.0.1:1/price", PricePath: "price", Decimals: 8, Enabled: true}
	if err := svc.sqlW.SaveReference(assetA, req, now); err != nil {
		t.Fatal(err)
	}
	svc.closeStores()

	again, _ := newService(t, cfg)
	defer again.closeStores()
	info, ok, err := again.Engine().Reference(assetA)
	if err != nil || !ok {
		t.Fatalf("reference not restored: ok=%v err=%v", ok, err)
	}
	if info.Name != "ref" || info.Decimals != 8 || !info.Enabled {
		t.Errorf("unexpected restored reference %+v", info)
	}
}

func TestApplySubmission(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "oracle.db"))
	svc, m := newService(t, cfg)
	defer svc.closeStores()
	svc.bootstrap()
	ctx := context.Background()

	svc.applySubmission(ctx, model.SubmissionMsg{Asset: assetA, Validator: v1, Price: "x"})
	svc.applySubmission(ctx, model.SubmissionMsg{
		Asset:     assetA,
		Validator: common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		Price:     model.Units(1000).String(),
	})
	round := uint64(0)
	svc.applySubmission(ctx, model.SubmissionMsg{Asset: assetA, Validator: v1, Price: model.Units(1000).String(), Round: &round, SentAt: time.Now()})
	future := uint64(3)
	svc.applySubmission(ctx, model.SubmissionMsg{Asset: assetA, Validator: v2, Price: model.Units(1000).String(), Round: &future})

	if n, _ := svc.Engine().SubmissionCount(assetA, 0); n != 1 {
		t.Errorf("expected 1 accepted submission, got %d", n)
	}
	for _, reason := range []string{"invalid_price", "not_authorized", "round_not_open"} {
		if got := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(reason)); got != 1 {
			t.Errorf("rejections{%s} = %v", reason, got)
		}
	}
}

func TestBootstrapAssets_SkipsInvalid(t *testing.T) {
	cfg := &config.Config{Assets: []string{"nope", "0x0000000000000000000000000000000000000000", assetA.Hex()}}
	got := bootstrapAssets(cfg)
	if len(got) != 1 || got[0] != assetA {
		t.Errorf("unexpected bootstrap assets %v", got)
	}
}

func TestReferenceFor_ExpandsAsset(t *testing.T) {
	cfg := &config.Config{ReferenceURL: "http://ref/{asset}", ReferencePath: "price", ReferenceDecimals: 8, ReferenceRPS: 1}
	ref, err := referenceFor(cfg, assetA)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Name != "http://ref/"+model.AssetKey(assetA) || !ref.Enabled || ref.Decimals != 8 || ref.Feed == nil {
		t.Errorf("unexpected reference %+v", ref)
	}
}
