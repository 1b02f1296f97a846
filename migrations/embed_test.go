package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFilesEmbedsSchema(t *testing.T) {
	names, err := fs.Glob(Files, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("unexpected migrations: %v", names)
	}
	body, err := fs.ReadFile(Files, names[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, table := range []string{"organizations", "org_members", "feedbacks", "telegram_links"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema lacks table %s", table)
		}
	}
}
