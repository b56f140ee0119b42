package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/tgscribe/crypto"
	"github.com/onnwee/tgscribe/publish"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(k))
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(""); err == nil {
		t.Error("expected error for empty dsn")
	}
}

func TestListQuery(t *testing.T) {
	q, args, err := ListQuery("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(q, "WHERE") {
		t.Errorf("unfiltered query has WHERE: %s", q)
	}
	if !strings.Contains(q, "ORDER BY started_at DESC LIMIT 50") {
		t.Errorf("query = %s", q)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}

	q, args, err = ListQuery("-100", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(q, "WHERE chat_key = $1") || !strings.Contains(q, "LIMIT 10") {
		t.Errorf("query = %s", q)
	}
	if len(args) != 1 || args[0] != "-100" {
		t.Errorf("args = %v", args)
	}
}

func TestRecordFromResult(t *testing.T) {
	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := RecordFromResult(publish.Result{
		ID: "id1", ChatKey: "7", MessageCount: 4, Degraded: 1,
		PasteURL: "https://telegra.ph/x", CMSErr: errors.New("thumbnail: refused"),
		State: publish.StateDone, Started: started, Duration: 1500 * time.Millisecond,
	})
	if rec.State != "done" || rec.CMSError != "thumbnail: refused" || rec.PasteError != "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.DurationMS != 1500 {
		t.Errorf("duration = %d", rec.DurationMS)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestTokenStorePlaintext(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := &TokenStore{DB: db}
	provider := "wechat-test-plain"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })

	tok, exp, err := s.LoadToken(ctx, provider)
	if err != nil || tok != "" || !exp.IsZero() {
		t.Fatalf("empty load = %q %v %v", tok, exp, err)
	}

	expiry := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	if err := s.SaveToken(ctx, provider, "tok-1", expiry); err != nil {
		t.Fatal(err)
	}
	tok, exp, err = s.LoadToken(ctx, provider)
	if err != nil || tok != "tok-1" || !exp.Equal(expiry) {
		t.Fatalf("load = %q %v %v", tok, exp, err)
	}
}

func TestTokenStoreEncrypted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	enc := testEncryptor(t)
	s := &TokenStore{DB: db, Enc: enc}
	provider := "wechat-test-enc"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider) })

	if err := s.SaveToken(ctx, provider, "secret-token", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	var raw string
	var version int
	if err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).Scan(&raw, &version); err != nil {
		t.Fatal(err)
	}
	if version != 1 || raw == "secret-token" {
		t.Fatalf("stored version=%d raw=%q", version, raw)
	}
	tok, _, err := s.LoadToken(ctx, provider)
	if err != nil || tok != "secret-token" {
		t.Fatalf("load = %q %v", tok, err)
	}

	// a store without the key cannot read it
	if _, _, err := (&TokenStore{DB: db}).LoadToken(ctx, provider); err == nil {
		t.Error("expected error reading encrypted token without key")
	}
}

func TestPublishLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	l := &PublishLog{DB: db}
	chat := "chat-test-log"
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM publish_log WHERE chat_key=$1`, chat) })

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"a-test", "b-test"} {
		res := publish.Result{ID: id, ChatKey: chat, MessageCount: i + 1, State: publish.StateDone, Started: base.Add(time.Duration(i) * time.Minute)}
		if err := l.LogPublish(ctx, res); err != nil {
			t.Fatal(err)
		}
	}
	// duplicate id is ignored
	if err := l.LogPublish(ctx, publish.Result{ID: "a-test", ChatKey: chat, State: publish.StateFailed, Started: base}); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Recent(ctx, chat, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d", len(recs))
	}
	if recs[0].ID != "b-test" || recs[1].State != "done" {
		t.Errorf("records = %+v", recs)
	}
}
