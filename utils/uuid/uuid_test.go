package uuid

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestUUID(t *testing.T) {
	u := NewUUID()
	a, b := u.ID(), u.ID()
	if a == b {
		t.Fatal("ids not unique")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := parsed.Version(), uuid.Version(4); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestStaticIDsConcurrent(t *testing.T) {
	ider := NewStaticIDs("M1", "M2", "M3")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ider.ID()
			mu.Lock()
			seen[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, id := range []string{"M1", "M2", "M3"} {
		if have, want := seen[id], 10; have != want {
			t.Errorf("%s: have: %v, want: %v", id, have, want)
		}
	}
}
