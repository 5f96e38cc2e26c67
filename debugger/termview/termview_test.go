package termview

import (
	"testing"

	"hzn/hal"
)

func lit(fb hal.Framebuffer) int {
	n := 0
	buf := fb.Buffer()
	for i := 0; i+1 < len(buf); i += 2 {
		if buf[i] != 0 || buf[i+1] != 0 {
			n++
		}
	}
	return n
}

func TestShowDrawsText(t *testing.T) {
	fb := hal.NewFramebuffer(240, 120)
	v := New(fb)
	if v.Columns() <= 0 || v.Rows() != 12 {
		t.Fatalf("Columns %d, Rows %d", v.Columns(), v.Rows())
	}
	changed, err := v.Show("core 0: idle\nworker #1 prio 44 core 0 running\n")
	if err != nil || !changed {
		t.Fatalf("Show = %v, %v", changed, err)
	}
	if lit(fb) == 0 {
		t.Fatalf("no pixels drawn")
	}
	if changed, _ := v.Show("core 0: idle\nworker #1 prio 44 core 0 running\n"); changed {
		t.Fatalf("Show of the same text redrew")
	}
	if changed, _ := v.Show(""); !changed || lit(fb) != 0 {
		t.Fatalf("Show of empty text left %d pixels", lit(fb))
	}
}

func TestShowDropsRowsPastTheEnd(t *testing.T) {
	short, long := hal.NewFramebuffer(64, 20), hal.NewFramebuffer(64, 20)
	if _, err := New(short).Show("a\nb"); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if _, err := New(long).Show("a\nb\nc\nd\n"); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if lit(short) == 0 || string(short.Buffer()) != string(long.Buffer()) {
		t.Fatalf("extra rows changed the screen")
	}
}

func TestNilFramebuffer(t *testing.T) {
	v := New(nil)
	if v.Columns() != 0 || v.Rows() != 0 {
		t.Fatalf("Columns %d, Rows %d", v.Columns(), v.Rows())
	}
	if changed, err := v.Show("x"); changed || err != nil {
		t.Fatalf("Show = %v, %v", changed, err)
	}
}

func TestColorize(t *testing.T) {
	tests := []struct{ line, want string }{
		{"core 1: idle", sgrCyan},
		{"t=1ms  threads=2", sgrCyan},
		{"w #2 prio 40 core 0 running", sgrGreen},
		{"w #2 prio 40 core 0 waiting for mutex", sgrYellow},
		{"w #2 prio 40 core 0 sleeping", sgrYellow},
		{"w #2 prio 40 core 0 ready", ""},
		{"  mutex m@0x1 owned by x", ""},
	}
	for _, tt := range tests {
		got := colorize(tt.line)
		if got != tt.want+tt.line {
			t.Fatalf("colorize(%q) = %q", tt.line, got)
		}
	}
}
