package labs

import (
	"context"
	"testing"
)

func TestDirStore_PutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	if err := d.Put(ctx, "reports/2026/panel.txt", []byte("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := d.Get(ctx, "reports/2026/panel.txt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("Get = %q", got)
	}

	if _, err := d.Get(ctx, "reports/absent.txt"); err == nil {
		t.Error("Get succeeded for missing object")
	}
}

func TestDirStore_RejectsTraversal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}

	for _, key := range []string{"../escape.txt", "/etc/passwd", "a/../../b", "."} {
		if err := d.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put accepted key %q", key)
		}
		if _, err := d.Get(ctx, key); err == nil {
			t.Errorf("Get accepted key %q", key)
		}
	}
}
