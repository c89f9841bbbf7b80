package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"memochat/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Gateway is the durable store of users, threads, messages and thread
// checkpoints. Every method is a single statement or a single transaction.
type Gateway struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Fold describes a compaction to apply together with a commit.
type Fold struct {
	Summary string
	// Count is the number of oldest active messages that become folded.
	Count int
}

// Checkpoint is the durable snapshot a conversation state is rebuilt from.
type Checkpoint struct {
	Summary   string
	FoldedSeq int64
	Total     int
	Active    []*models.Message
}

// NewGateway wraps an opened and migrated database.
func NewGateway(db *sql.DB, driver string) *Gateway {
	return &Gateway{
		db:      db,
		dialect: normalizeDialect(driver),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying handle for collaborators that keep their own tables.
func (g *Gateway) DB() *sql.DB { return g.db }

// Dialect returns the normalized driver name.
func (g *Gateway) Dialect() string { return g.dialect }

func (g *Gateway) q(query string) string {
	return Rebind(g.dialect, query)
}

// forUpdate locks the selected row on servers with row locks. SQLite runs on a
// single connection, so transactions already serialize there.
func (g *Gateway) forUpdate() string {
	if g.dialect == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

func (g *Gateway) readTxOptions() *sql.TxOptions {
	if g.dialect == DialectSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// CreateUser registers a new identity.
func (g *Gateway) CreateUser(ctx context.Context, identity, credentialHash string) error {
	_, err := g.db.ExecContext(ctx,
		g.q(`INSERT INTO users(identity, credential_hash, created_at) VALUES(?, ?, ?)`),
		identity, credentialHash, g.now())
	return classify("create user", err)
}

// GetUser returns the stored user record.
func (g *Gateway) GetUser(ctx context.Context, identity string) (*models.User, error) {
	u := &models.User{}
	err := g.db.QueryRowContext(ctx,
		g.q(`SELECT identity, credential_hash, created_at FROM users WHERE identity = ?`),
		identity).Scan(&u.Identity, &u.CredentialHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user: %w", ErrUserNotFound)
	}
	if err != nil {
		return nil, classify("get user", err)
	}
	return u, nil
}

// VerifyCredential compares candidate against the stored hash. Unknown
// identities verify as false without an error.
func (g *Gateway) VerifyCredential(ctx context.Context, identity, candidate string) (bool, error) {
	u, err := g.GetUser(ctx, identity)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(candidate)); err != nil {
		return false, nil
	}
	return true, nil
}

// RotateCredential replaces the stored hash of an existing identity.
func (g *Gateway) RotateCredential(ctx context.Context, identity, credentialHash string) error {
	res, err := g.db.ExecContext(ctx,
		g.q(`UPDATE users SET credential_hash = ? WHERE identity = ?`),
		credentialHash, identity)
	if err != nil {
		return classify("rotate credential", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rotate credential", err)
	}
	if n == 0 {
		return fmt.Errorf("rotate credential: %w", ErrUserNotFound)
	}
	return nil
}

// CreateOrRenameThread creates the thread for owner, or renames it when it
// already exists under the same owner.
func (g *Gateway) CreateOrRenameThread(ctx context.Context, threadID, name, owner string) error {
	err := g.upsertThread(ctx, threadID, name, owner)
	if errors.Is(err, ErrConflict) {
		// lost a create race; the row exists now, so this becomes a rename
		err = g.upsertThread(ctx, threadID, name, owner)
	}
	return err
}

func (g *Gateway) upsertThread(ctx context.Context, threadID, name, owner string) (err error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("upsert thread", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, g.q(`SELECT 1 FROM users WHERE identity = ?`), owner).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("upsert thread: %w", ErrUserNotFound)
	}
	if err != nil {
		return classify("upsert thread", err)
	}

	var current string
	err = tx.QueryRowContext(ctx,
		g.q(`SELECT owner FROM threads WHERE id = ?`+g.forUpdate()), threadID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			g.q(`INSERT INTO threads(id, owner, name, summary, folded_seq, created_at) VALUES(?, ?, ?, '', 0, ?)`),
			threadID, owner, name, g.now())
		if err != nil {
			return classify("create thread", err)
		}
	case err != nil:
		return classify("upsert thread", err)
	case current != owner:
		// never reveal threads of other identities
		return fmt.Errorf("upsert thread: %w", ErrThreadNotFound)
	default:
		if _, err = tx.ExecContext(ctx, g.q(`UPDATE threads SET name = ? WHERE id = ?`), name, threadID); err != nil {
			return classify("rename thread", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return classify("upsert thread", err)
	}
	return nil
}

// GetThread returns thread metadata.
func (g *Gateway) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	t := &models.Thread{}
	err := g.db.QueryRowContext(ctx,
		g.q(`SELECT id, owner, name, created_at FROM threads WHERE id = ?`),
		threadID).Scan(&t.ID, &t.Owner, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get thread: %w", ErrThreadNotFound)
	}
	if err != nil {
		return nil, classify("get thread", err)
	}
	return t, nil
}

// ListThreads returns the threads of owner ordered by creation time.
func (g *Gateway) ListThreads(ctx context.Context, owner string) ([]models.Thread, error) {
	rows, err := g.db.QueryContext(ctx,
		g.q(`SELECT id, owner, name, created_at FROM threads WHERE owner = ? ORDER BY created_at ASC, id ASC`),
		owner)
	if err != nil {
		return nil, classify("list threads", err)
	}
	defer rows.Close()

	threads := make([]models.Thread, 0)
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.Owner, &t.Name, &t.CreatedAt); err != nil {
			return nil, classify("list threads", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list threads", err)
	}
	return threads, nil
}

// AppendMessage appends a single message to the thread log.
func (g *Gateway) AppendMessage(ctx context.Context, threadID string, role models.Role, content string) (*models.Message, error) {
	msgs, err := g.Commit(ctx, threadID, []models.NewMessage{{Role: role, Content: content}}, nil)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns the full log of a thread, folded messages included.
func (g *Gateway) ListMessages(ctx context.Context, threadID string) ([]*models.Message, error) {
	if _, err := g.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return g.listMessages(ctx, g.db, threadID, 0)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (g *Gateway) listMessages(ctx context.Context, q queryer, threadID string, after int64) ([]*models.Message, error) {
	rows, err := q.QueryContext(ctx,
		g.q(`SELECT seq, role, content, created_at FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`),
		threadID, after)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()

	msgs := make([]*models.Message, 0)
	for rows.Next() {
		m := &models.Message{ThreadID: threadID}
		var role string
		if err := rows.Scan(&m.Seq, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, classify("list messages", err)
		}
		m.Role = models.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list messages", err)
	}
	return msgs, nil
}

// LoadCheckpoint reads summary, low-water mark, total count and the active
// window of a thread from one consistent snapshot.
func (g *Gateway) LoadCheckpoint(ctx context.Context, threadID string) (cp *Checkpoint, err error) {
	tx, err := g.db.BeginTx(ctx, g.readTxOptions())
	if err != nil {
		return nil, classify("load checkpoint", err)
	}
	defer func() { _ = tx.Rollback() }()

	cp = &Checkpoint{}
	err = tx.QueryRowContext(ctx,
		g.q(`SELECT summary, folded_seq FROM threads WHERE id = ?`),
		threadID).Scan(&cp.Summary, &cp.FoldedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load checkpoint: %w", ErrThreadNotFound)
	}
	if err != nil {
		return nil, classify("load checkpoint", err)
	}
	if err = tx.QueryRowContext(ctx,
		g.q(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`),
		threadID).Scan(&cp.Total); err != nil {
		return nil, classify("load checkpoint", err)
	}
	if cp.Active, err = g.listMessages(ctx, tx, threadID, cp.FoldedSeq); err != nil {
		return nil, err
	}
	return cp, nil
}

// Commit appends msgs and optionally applies fold in one transaction. The
// appended messages are returned with their assigned sequence positions.
func (g *Gateway) Commit(ctx context.Context, threadID string, msgs []models.NewMessage, fold *Fold) (_ []*models.Message, err error) {
	for _, m := range msgs {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("commit: %w: %q", ErrInvalidRole, m.Role)
		}
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("commit", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var foldedSeq int64
	err = tx.QueryRowContext(ctx,
		g.q(`SELECT folded_seq FROM threads WHERE id = ?`+g.forUpdate()),
		threadID).Scan(&foldedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit: %w", ErrThreadNotFound)
	}
	if err != nil {
		return nil, classify("commit", err)
	}

	var last int64
	if err = tx.QueryRowContext(ctx,
		g.q(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?`),
		threadID).Scan(&last); err != nil {
		return nil, classify("commit", err)
	}

	now := g.now()
	appended := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		last++
		if _, err = tx.ExecContext(ctx,
			g.q(`INSERT INTO messages(thread_id, seq, role, content, created_at) VALUES(?, ?, ?, ?, ?)`),
			threadID, last, string(m.Role), m.Content, now); err != nil {
			return nil, classify("append message", err)
		}
		appended = append(appended, &models.Message{
			ThreadID:  threadID,
			Seq:       last,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: now,
		})
	}

	if fold != nil {
		mark := foldedSeq
		if fold.Count > 0 {
			err = tx.QueryRowContext(ctx,
				g.q(`SELECT seq FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq ASC LIMIT 1 OFFSET ?`),
				threadID, foldedSeq, fold.Count-1).Scan(&mark)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("commit: fold of %d exceeds active window: %w", fold.Count, ErrConflict)
			}
			if err != nil {
				return nil, classify("commit", err)
			}
		}
		if _, err = tx.ExecContext(ctx,
			g.q(`UPDATE threads SET summary = ?, folded_seq = ? WHERE id = ?`),
			fold.Summary, mark, threadID); err != nil {
			return nil, classify("record summary", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, classify("commit", err)
	}
	return appended, nil
}
