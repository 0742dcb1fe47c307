package runs

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

func TestLogSink_ReadFromOffset(t *testing.T) {
	s := NewLogSink()
	for i := 0; i < 5; i++ {
		s.Append(fmt.Sprintf("line %d", i))
	}

	lines, next := s.Read(2)
	if next != 5 {
		t.Fatalf("next=%d, want 5", next)
	}
	if !slices.Equal(lines, []string{"line 2", "line 3", "line 4"}) {
		t.Fatalf("lines=%v", lines)
	}

	lines, next = s.Read(5)
	if len(lines) != 0 || next != 5 {
		t.Fatalf("Read(5)=%v,%d, want [],5", lines, next)
	}
	if lines == nil {
		t.Fatalf("lines=nil, want empty slice")
	}

	lines, next = s.Read(42)
	if len(lines) != 0 || next != 42 {
		t.Fatalf("Read(42)=%v,%d, want [],42", lines, next)
	}

	lines, next = s.Read(-3)
	if len(lines) != 5 || next != 5 {
		t.Fatalf("Read(-3)=%v,%d, want all lines", lines, next)
	}
}

func TestLogSink_ReadIsCopy(t *testing.T) {
	s := NewLogSink()
	s.Append("a")
	lines, _ := s.Read(0)
	lines[0] = "mutated"
	again, _ := s.Read(0)
	if again[0] != "a" {
		t.Fatalf("sink mutated through read result: %q", again[0])
	}
}

func TestLogSink_ConcurrentReadersSeeOrderedPrefix(t *testing.T) {
	s := NewLogSink()
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			s.Append(fmt.Sprintf("%d", i))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := 0
			for next < total {
				lines, n := s.Read(next)
				for i, line := range lines {
					if want := fmt.Sprintf("%d", next+i); line != want {
						t.Errorf("line[%d]=%q, want %q", next+i, line, want)
						return
					}
				}
				next = n
			}
		}()
	}
	wg.Wait()

	if s.Len() != total {
		t.Fatalf("Len()=%d, want %d", s.Len(), total)
	}
}
