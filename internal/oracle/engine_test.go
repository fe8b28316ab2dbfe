package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

// ── test helpers ──

type allowlist struct {
	mu  sync.Mutex
	set map[common.Address]bool
}

func newAllowlist(addrs ...common.Address) *allowlist {
	a := &allowlist{set: make(map[common.Address]bool)}
	for _, x := range addrs {
		a.set[x] = true
	}
	return a
}

func (a *allowlist) IsAuthorized(_ context.Context, addr common.Address) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set[addr], nil
}

func (a *allowlist) revoke(addr common.Address) {
	a.mu.Lock()
	delete(a.set, addr)
	a.mu.Unlock()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	assetB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	v1     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	v2     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	v3     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	v4     = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

func u(n int64) *big.Int { return model.Units(n) }

func newTestEngine(t *testing.T) (*Engine, *allowlist, *fakeClock) {
	t.Helper()
	auth := newAllowlist(v1, v2, v3, v4)
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, err := New(Config{Params: DefaultParams(), Authorizer: auth, Clock: clk.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.RegisterAsset(assetA); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}
	return e, auth, clk
}

// finalizeRound submits prices from v1..v3 in order.
func finalizeRound(t *testing.T, e *Engine, asset common.Address, prices ...int64) Receipt {
	t.Helper()
	vals := []common.Address{v1, v2, v3}
	var rc Receipt
	for i, p := range prices {
		var err error
		rc, err = e.SubmitPrice(context.Background(), asset, vals[i], u(p))
		if err != nil {
			t.Fatalf("submit %d from %s: %v", p, vals[i].Hex(), err)
		}
	}
	return rc
}

// ── tests ──

func TestNew_RequiresAuthorizer(t *testing.T) {
	if _, err := New(Config{Params: DefaultParams()}); err == nil {
		t.Fatal("expected error without authorizer")
	}
	if _, err := New(Config{Authorizer: newAllowlist()}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams for zero params, got %v", err)
	}
}

func TestRegisterAsset(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var events []Event
	e.AddSink(SinkFunc(func(ev Event) { events = append(events, ev) }))

	if err := e.RegisterAsset(assetA); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := e.RegisterAsset(common.Address{}); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
	if err := e.RegisterAsset(assetB); err != nil {
		t.Fatalf("register B: %v", err)
	}
	if e.AssetCount() != 2 {
		t.Errorf("expected 2 assets, got %d", e.AssetCount())
	}
	got := e.Assets()
	if got[0] != assetA || got[1] != assetB {
		t.Errorf("unexpected order %v", got)
	}
	if len(events) != 1 || events[0].Type != EventAssetRegistered || events[0].Asset != assetB {
		t.Errorf("expected one AssetRegistered for B, got %+v", events)
	}
	if e.IsRegistered(common.Address{}) {
		t.Error("zero address should never be registered")
	}
}

func TestRegisterAsset_RegistryFull(t *testing.T) {
	e, err := New(Config{Params: DefaultParams(), Authorizer: newAllowlist(), MaxAssets: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterAsset(assetA); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterAsset(assetB); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}
}

func TestSubmitPrice_Preconditions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	outsider := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	tests := []struct {
		name      string
		asset     common.Address
		submitter common.Address
		price     *big.Int
		want      error
	}{
		{"zero asset", common.Address{}, v1, u(1), ErrInvalidAsset},
		{"unregistered", assetB, v1, u(1), ErrAssetNotRegistered},
		{"zero price", assetA, v1, big.NewInt(0), ErrInvalidPrice},
		{"nil price", assetA, v1, nil, ErrInvalidPrice},
		{"negative price", assetA, v1, big.NewInt(-5), ErrInvalidPrice},
		{"unauthorized", assetA, outsider, u(1), ErrNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.SubmitPrice(ctx, tt.asset, tt.submitter, tt.price)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if n, _ := e.SubmissionCount(assetA, 0); n != 0 {
		t.Errorf("rejected submissions must not be counted, got %d", n)
	}
}

func TestSubmitPrice_DuplicateRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitPrice(ctx, assetA, v1, u(1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitPrice(ctx, assetA, v1, u(1001)); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
	if n, _ := e.SubmissionCount(assetA, 0); n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
	if ok, _ := e.HasSubmitted(assetA, 0, v1); !ok {
		t.Error("HasSubmitted should report v1")
	}
}

func TestSubmitPrice_FinalizesAtQuorum(t *testing.T) {
	e, _, clk := newTestEngine(t)

	var events []Event
	e.AddSink(SinkFunc(func(ev Event) { events = append(events, ev) }))

	rc := finalizeRound(t, e, assetA, 1000, 1010)
	if rc.Finalized {
		t.Fatal("round finalized before quorum")
	}
	if p, _ := e.LatestPrice(assetA); p.Sign() != 0 {
		t.Fatalf("latest price should be zero before quorum, got %s", p)
	}

	rc, err := e.SubmitPrice(context.Background(), assetA, v3, u(1020))
	if err != nil {
		t.Fatal(err)
	}
	if !rc.Finalized || rc.Result == nil || rc.Round != 0 {
		t.Fatalf("expected round 0 finalized, got %+v", rc)
	}
	if rc.Result.Price.Cmp(u(1010)) != 0 {
		t.Errorf("expected consensus 1010, got %s", rc.Result.Price)
	}

	p, _ := e.LatestPrice(assetA)
	if p.Cmp(u(1010)) != 0 {
		t.Errorf("latest price = %s, want 1010e18", p)
	}
	if r, _ := e.CurrentRound(assetA); r != 1 {
		t.Errorf("expected current round 1, got %d", r)
	}
	at, _ := e.LastFinalizedAt(assetA)
	if !at.Equal(clk.Now()) {
		t.Errorf("lastFinalizedAt = %v, want %v", at, clk.Now())
	}
	round, err := e.Round(assetA, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !round.Finalized || round.SubmissionCount() != 3 {
		t.Errorf("unexpected round record %+v", round)
	}

	// 3 SubmissionRecorded then RoundFinalized after the last one
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].Type != EventSubmissionRecorded || events[3].Type != EventRoundFinalized {
		t.Errorf("unexpected event order: %s, %s", events[2].Type, events[3].Type)
	}
	if events[3].Count != 3 || events[3].Price.Cmp(u(1010)) != 0 {
		t.Errorf("unexpected RoundFinalized %+v", events[3])
	}
}

func TestSubmitPriceAt_FinalizedAndFutureRounds(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	finalizeRound(t, e, assetA, 1000, 1010, 1020)

	if _, err := e.SubmitPriceAt(ctx, assetA, v4, u(1010), 0); !errors.Is(err, ErrRoundFinalized) {
		t.Errorf("expected ErrRoundFinalized, got %v", err)
	}
	if _, err := e.SubmitPriceAt(ctx, assetA, v4, u(1010), 5); !errors.Is(err, ErrRoundNotOpen) {
		t.Errorf("expected ErrRoundNotOpen, got %v", err)
	}
	rc, err := e.SubmitPriceAt(ctx, assetA, v4, u(1010), 1)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Round != 1 || rc.Count != 1 {
		t.Errorf("unexpected receipt %+v", rc)
	}
	// the open round still accepts plain submissions
	if _, err := e.SubmitPrice(ctx, assetA, v1, u(1010)); err != nil {
		t.Errorf("v1 should be able to submit in round 1: %v", err)
	}
}

func TestCircuitBreaker_Boundary(t *testing.T) {
	tests := []struct {
		name  string
		price *big.Int
		trip  bool
	}{
		{"exactly +10%", u(1100), false},
		{"exactly -10%", u(900), false},
		{"just above +10%", new(big.Int).Add(u(1100), big.NewInt(1)), true},
		{"just below -10%", new(big.Int).Sub(u(900), big.NewInt(1)), true},
		{"far above", u(2000), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			finalizeRound(t, e, assetA, 1000, 1000, 1000)

			var tripped []Event
			e.AddSink(SinkFunc(func(ev Event) {
				if ev.Type == EventCircuitBreakerTripped {
					tripped = append(tripped, ev)
				}
			}))

			_, err := e.SubmitPrice(context.Background(), assetA, v1, tt.price)
			if tt.trip {
				var cb *CircuitBreakerError
				if !errors.As(err, &cb) {
					t.Fatalf("expected CircuitBreakerError, got %v", err)
				}
				if cb.Previous.Cmp(u(1000)) != 0 || cb.Attempted.Cmp(tt.price) != 0 {
					t.Errorf("unexpected error payload %+v", cb)
				}
				if len(tripped) != 1 {
					t.Errorf("expected CircuitBreakerTripped event, got %d", len(tripped))
				}
				if n, _ := e.SubmissionCount(assetA, 1); n != 0 {
					t.Errorf("rejected submission was counted")
				}
			} else if err != nil {
				t.Fatalf("expected acceptance, got %v", err)
			}
		})
	}
}

func TestCircuitBreaker_NotAppliedBeforeFirstConsensus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.SubmitPrice(context.Background(), assetA, v1, u(1_000_000)); err != nil {
		t.Fatalf("first-ever submission should not trip the breaker: %v", err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	e, _, clk := newTestEngine(t)
	ctx := context.Background()

	finalizeRound(t, e, assetA, 1000, 1010, 1020)
	if p, _ := e.LatestPrice(assetA); p.Cmp(u(1010)) != 0 {
		t.Fatalf("expected 1010, got %s", p)
	}
	if stale, _ := e.IsStale(assetA); stale {
		t.Error("fresh consensus reported stale")
	}
	if tw, _ := e.TWAP(assetA); tw.Cmp(u(1010)) != 0 {
		t.Errorf("single-observation TWAP = %s, want 1010e18", tw)
	}

	v, err := e.VerifyPrice(assetA, u(1015))
	if err != nil {
		t.Fatal(err)
	}
	if !v.WithinTolerance || v.DeviationBps != 49 {
		t.Errorf("verify 1015: %+v, want within=true bps=49", v)
	}

	_, err = e.SubmitPrice(ctx, assetA, v1, u(1200))
	var cb *CircuitBreakerError
	if !errors.As(err, &cb) {
		t.Fatalf("expected circuit breaker, got %v", err)
	}
	if cb.Previous.Cmp(u(1010)) != 0 || cb.Attempted.Cmp(u(1200)) != 0 {
		t.Errorf("unexpected payload previous=%s attempted=%s", cb.Previous, cb.Attempted)
	}

	clk.Advance(3601 * time.Second)
	if stale, _ := e.IsStale(assetA); !stale {
		t.Error("expected stale after 3601s")
	}
}

func TestMidRoundDeauthorization(t *testing.T) {
	e, auth, _ := newTestEngine(t)
	ctx := context.Background()

	finalizeRound(t, e, assetA, 1000, 1000)
	auth.revoke(v3)

	if _, err := e.SubmitPrice(ctx, assetA, v3, u(1000)); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized after revocation, got %v", err)
	}
	round, _ := e.Round(assetA, 0)
	if round.SubmissionCount() != 2 || round.Finalized {
		t.Errorf("earlier submissions must remain and round stay open: %+v", round)
	}
	if _, err := e.SubmitPrice(ctx, assetA, v4, u(1000)); err != nil {
		t.Fatal(err)
	}
	if r, _ := e.CurrentRound(assetA); r != 1 {
		t.Errorf("round should finalize with v4, current=%d", r)
	}
}

func TestUpdateParams(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var got []Event
	e.AddSink(SinkFunc(func(ev Event) { got = append(got, ev) }))

	p, err := e.UpdateParams(ParamsUpdate{MinSubmitters: Uint64(2), CircuitBreakerBps: Uint64(500)})
	if err != nil {
		t.Fatal(err)
	}
	if p.MinSubmitters != 2 || p.CircuitBreakerBps != 500 || p.TWAPWindowSeconds != 1800 {
		t.Errorf("unexpected params %+v", p)
	}
	if _, err := e.UpdateParams(ParamsUpdate{MinSubmitters: Uint64(0)}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}
	if e.Params().MinSubmitters != 2 {
		t.Error("invalid update must leave params unchanged")
	}
	if len(got) != 1 || got[0].Type != EventParametersUpdated {
		t.Errorf("expected one ParametersUpdated event, got %+v", got)
	}

	finalizeRound(t, e, assetA, 1000, 1000)
	if r, _ := e.CurrentRound(assetA); r != 1 {
		t.Errorf("quorum of 2 should finalize, current=%d", r)
	}
}

func TestLoweredQuorumFinalizesOnNextSubmission(t *testing.T) {
	e, _, _ := newTestEngine(t)
	finalizeRound(t, e, assetA, 1000, 1000)
	if _, err := e.UpdateParams(ParamsUpdate{MinSubmitters: Uint64(1)}); err != nil {
		t.Fatal(err)
	}
	rc, err := e.SubmitPrice(context.Background(), assetA, v3, u(1030))
	if err != nil {
		t.Fatal(err)
	}
	if !rc.Finalized || rc.Result.SubmissionCount != 3 {
		t.Fatalf("expected finalization with 3 submissions, got %+v", rc)
	}
	if rc.Result.Price.Cmp(u(1000)) != 0 {
		t.Errorf("median of 1000,1000,1030 = %s, want 1000e18", rc.Result.Price)
	}
}

func TestRound_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Round(assetA, 7); !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("expected ErrRoundNotFound, got %v", err)
	}
	r, err := e.Round(assetA, 0)
	if err != nil || r.Index != 0 || r.SubmissionCount() != 0 {
		t.Errorf("empty current round: %+v, %v", r, err)
	}
}

func TestRoundsPrunedBeyondRetention(t *testing.T) {
	auth := newAllowlist(v1)
	p := DefaultParams()
	p.MinSubmitters = 1
	e, err := New(Config{Params: p, Authorizer: auth, MaxRoundsKept: 2})
	if err != nil {
		t.Fatal(err)
	}
	e.RegisterAsset(assetA)
	for i := 0; i < 5; i++ {
		if _, err := e.SubmitPrice(context.Background(), assetA, v1, u(1000)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Round(assetA, 0); !errors.Is(err, ErrRoundNotFound) {
		t.Errorf("round 0 should be pruned, got %v", err)
	}
	if r, err := e.Round(assetA, 4); err != nil || !r.Finalized {
		t.Errorf("round 4 should be kept: %+v, %v", r, err)
	}
}

func TestVerifyPrice_NoConsensus(t *testing.T) {
	e, _, _ := newTestEngine(t)
	v, err := e.VerifyPrice(assetA, u(1))
	if err != nil {
		t.Fatal(err)
	}
	if v.WithinTolerance || v.DeviationBps != 10_000 {
		t.Errorf("expected (false, 10000), got %+v", v)
	}
	if _, err := e.VerifyPrice(assetB, u(1)); !errors.Is(err, ErrAssetNotRegistered) {
		t.Errorf("expected ErrAssetNotRegistered, got %v", err)
	}
}

func TestVerifyPrice_ToleranceBoundary(t *testing.T) {
	e, _, _ := newTestEngine(t)
	finalizeRound(t, e, assetA, 1000, 1000, 1000)

	tests := []struct {
		price  *big.Int
		bps    uint64
		within bool
	}{
		{u(1000), 0, true},
		{u(1010), 100, true},
		{u(990), 100, true},
		{u(1011), 110, false},
		{big.NewInt(0), 10_000, false},
	}
	for _, tt := range tests {
		v, err := e.VerifyPrice(assetA, tt.price)
		if err != nil {
			t.Fatal(err)
		}
		if v.DeviationBps != tt.bps || v.WithinTolerance != tt.within {
			t.Errorf("verify %s: got %+v, want bps=%d within=%v", tt.price, v, tt.bps, tt.within)
		}
	}
}

func TestIsStale_Boundary(t *testing.T) {
	e, _, clk := newTestEngine(t)
	if stale, _ := e.IsStale(assetA); !stale {
		t.Error("asset without observations must be stale")
	}
	finalizeRound(t, e, assetA, 1000, 1000, 1000)

	clk.Advance(3600 * time.Second)
	if stale, _ := e.IsStale(assetA); stale {
		t.Error("exactly at threshold must not be stale")
	}
	clk.Advance(time.Second)
	if stale, _ := e.IsStale(assetA); !stale {
		t.Error("one second past threshold must be stale")
	}
}

func TestIsStale_CountsWholeSeconds(t *testing.T) {
	e, _, clk := newTestEngine(t)
	clk.Advance(300 * time.Millisecond)
	finalizeRound(t, e, assetA, 1000, 1000, 1000)

	clk.Advance(3600*time.Second + 500*time.Millisecond)
	if stale, _ := e.IsStale(assetA); stale {
		t.Error("3600.5s counts as 3600s and must not be stale")
	}
	clk.Advance(500 * time.Millisecond)
	if stale, _ := e.IsStale(assetA); !stale {
		t.Error("3601s must be stale")
	}
}

func TestObservationsAreCopies(t *testing.T) {
	e, _, _ := newTestEngine(t)
	finalizeRound(t, e, assetA, 1000, 1000, 1000)
	obs, _ := e.Observations(assetA)
	obs[0].Price.SetInt64(1)
	if p, _ := e.LatestPrice(assetA); p.Cmp(u(1000)) != 0 {
		t.Fatal("mutating returned observations changed engine state")
	}
	again, _ := e.Observations(assetA)
	if again[0].Price.Cmp(u(1000)) != 0 {
		t.Fatal("observation history shares storage with callers")
	}
}

func TestSinkMayCallBackIntoEngine(t *testing.T) {
	e, _, _ := newTestEngine(t)
	var latest *big.Int
	e.AddSink(SinkFunc(func(ev Event) {
		if ev.Type == EventRoundFinalized {
			latest, _ = e.LatestPrice(ev.Asset)
		}
	}))
	finalizeRound(t, e, assetA, 1000, 1000, 1000)
	if latest == nil || latest.Cmp(u(1000)) != 0 {
		t.Errorf("sink saw %v", latest)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	const validators = 30
	addrs := make([]common.Address, validators)
	for i := range addrs {
		addrs[i] = common.BigToAddress(big.NewInt(int64(i + 100)))
	}
	e, err := New(Config{Params: DefaultParams(), Authorizer: newAllowlist(addrs...)})
	if err != nil {
		t.Fatal(err)
	}
	e.RegisterAsset(assetA)

	var wg sync.WaitGroup
	for _, a := range addrs {
		wg.Add(1)
		go func(a common.Address) {
			defer wg.Done()
			if _, err := e.SubmitPrice(context.Background(), assetA, a, u(1000)); err != nil {
				t.Errorf("submit: %v", err)
			}
		}(a)
	}
	wg.Wait()

	if r, _ := e.CurrentRound(assetA); r != validators/3 {
		t.Errorf("expected %d finalized rounds, got %d", validators/3, r)
	}
	for i := uint64(0); i < validators/3; i++ {
		round, err := e.Round(assetA, i)
		if err != nil || round.SubmissionCount() != 3 || !round.Finalized {
			t.Errorf("round %d: %+v, %v", i, round, err)
		}
	}
}
