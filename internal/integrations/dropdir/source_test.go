package dropdir

import (
	"os"
	"path/filepath"
	"testing"
)

const validConfig = "wood:10\nmake_plank:(wood:2):(plank:1):5\noptimize:(plank)\n"

func TestDiscoverOffersValidConfigs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plank.krp"), []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.krp"), []byte("not a config ::"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := New(dir)
	batch, err := src.Discover("", "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(batch.Items) != 1 {
		t.Fatalf("want 1 item, got %d", len(batch.Items))
	}
	it := batch.Items[0]
	if it.Ref != "plank.krp" || it.Name != "plank" {
		t.Fatalf("unexpected item: %+v", it)
	}
	if it.Config != validConfig {
		t.Fatalf("config text not preserved")
	}
}

func TestAckRenamesAndStopsOffering(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plank.krp"), []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	src := New(dir)
	batch, err := src.Discover("", "")
	if err != nil || len(batch.Items) != 1 {
		t.Fatalf("Discover: %v, items %d", err, len(batch.Items))
	}
	if err := src.Ack([]string{"plank.krp"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "plank.krp.imported")); err != nil {
		t.Fatalf("expected renamed file: %v", err)
	}
	batch, err = src.Discover("", "")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(batch.Items) != 0 {
		t.Fatalf("acked file offered again: %+v", batch.Items)
	}
}
