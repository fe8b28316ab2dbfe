package redis

import (
	"testing"
)

func TestDecodeSubmission(t *testing.T) {
	ok := `{"asset":"0x00000000000000000000000000000000000000aa","validator":"0x0000000000000000000000000000000000000001","price":"1010000000000000000000","round":4}`
	sub, err := DecodeSubmission(map[string]interface{}{"data": ok})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Round == nil || *sub.Round != 4 {
		t.Errorf("expected round 4, got %v", sub.Round)
	}
	if sub.Price != "1010000000000000000000" {
		t.Errorf("unexpected price %s", sub.Price)
	}

	bad := []map[string]interface{}{
		{},
		{"data": 42},
		{"data": "{not json"},
		{"data": `{"asset":"0x00000000000000000000000000000000000000aa","price":"-3"}`},
	}
	for i, v := range bad {
		if _, err := DecodeSubmission(v); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
