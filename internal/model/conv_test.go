package model

import (
	"math/big"
	"testing"
	"time"
)

func TestUtoa(t *testing.T) {
	cases := map[uint64]string{0: "0", 7: "7", 1010: "1010", 18446744073709551615: "18446744073709551615"}
	for n, want := range cases {
		if got := Utoa(n); got != want {
			t.Errorf("Utoa(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0x00000000000000000000000000000000000000aA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if AssetKey(a) != "0x00000000000000000000000000000000000000aa" {
		t.Errorf("unexpected key %s", AssetKey(a))
	}
	if _, err := ParseAddress("not-an-address"); err == nil {
		t.Error("expected error for malformed address")
	}
}

func TestParsePrice(t *testing.T) {
	p, err := ParsePrice(" 1010000000000000000000 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Cmp(Units(1010)) != 0 {
		t.Errorf("expected 1010 units, got %s", p)
	}
	if _, err := ParsePrice("-1"); err == nil {
		t.Error("expected error for negative price")
	}
	if _, err := ParsePrice("1.5"); err == nil {
		t.Error("expected error for fractional price")
	}
}

func TestRoundClone_IsDeep(t *testing.T) {
	r := Round{Index: 2, Submissions: []Submission{{Price: big.NewInt(5)}}, ConsensusPrice: big.NewInt(5)}
	cp := r.Clone()
	cp.Submissions[0].Price.SetInt64(99)
	cp.ConsensusPrice.SetInt64(99)
	if r.Submissions[0].Price.Int64() != 5 || r.ConsensusPrice.Int64() != 5 {
		t.Fatal("clone shares price storage with the original")
	}
}

func TestFormatUnits(t *testing.T) {
	half := new(big.Int).Div(Units(1), big.NewInt(2))
	cases := []struct {
		in   *big.Int
		want string
	}{
		{Units(1010), "1010"},
		{new(big.Int).Add(Units(1010), half), "1010.5"},
		{big.NewInt(1), "0.000000000000000001"},
		{big.NewInt(0), "0"},
		{new(big.Int).Neg(half), "-0.5"},
	}
	for _, tc := range cases {
		if got := FormatUnits(tc.in); got != tc.want {
			t.Errorf("FormatUnits(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoundResult_Record(t *testing.T) {
	res := RoundResult{
		Round:       4,
		Price:       big.NewInt(1010),
		Submissions: []Submission{{Price: big.NewInt(1000)}, {Price: big.NewInt(1010)}, {Price: big.NewInt(1020)}},
		TS:          time.Unix(1700000000, 0).UTC(),
	}
	rec := res.Record()
	if rec.Index != 4 || !rec.Finalized || rec.SubmissionCount() != 3 || !rec.FinalizedAt.Equal(res.TS) {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec.ConsensusPrice.SetInt64(1)
	if res.Price.Int64() != 1010 {
		t.Error("record shares the consensus price with the result")
	}
}
