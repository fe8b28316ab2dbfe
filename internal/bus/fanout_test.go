package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"priceoracle/internal/model"
)

var asset = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("sqlite")
	out2 := fo.Subscribe("redis")

	input := make(chan model.RoundResult, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- model.RoundResult{Asset: asset, Round: 3, Price: model.Units(1010)}

	for name, out := range map[string]<-chan model.RoundResult{"sqlite": out1, "redis": out2} {
		select {
		case r := <-out:
			if r.Round != 3 || r.Asset != asset {
				t.Errorf("%s: unexpected round %+v", name, r)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for round", name)
		}
	}
}

func TestFanOut_DropsForSlowSubscriber(t *testing.T) {
	fo := New(1)
	fast := fo.Subscribe("fast")
	_ = fo.Subscribe("slow")

	var mu sync.Mutex
	drops := map[string]int{}
	fo.OnDrop = func(name string) {
		mu.Lock()
		drops[name]++
		mu.Unlock()
	}

	input := make(chan model.RoundResult)
	done := make(chan struct{})
	go func() {
		fo.Run(context.Background(), input)
		close(done)
	}()

	for i := uint64(0); i < 3; i++ {
		input <- model.RoundResult{Asset: asset, Round: i, Price: model.Units(1)}
		<-fast
	}
	close(input)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if drops["slow"] != 2 || drops["fast"] != 0 {
		t.Errorf("unexpected drops %v", drops)
	}
	if _, ok := <-fast; ok {
		t.Error("subscriber channels should be closed when Run returns")
	}
}
