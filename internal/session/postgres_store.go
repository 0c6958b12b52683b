package session

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
)

// PostgresStore is the durable Store backend, selected when DATABASE_URL
// is set. Per-session serialization uses row locks (SELECT ... FOR
// UPDATE) instead of in-process mutexes.
type PostgresStore struct {
	db          *sql.DB
	gracePeriod time.Duration
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(db *sql.DB, gracePeriod time.Duration) *PostgresStore {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &PostgresStore{db: db, gracePeriod: gracePeriod}
}

// Migrate creates the schema if it does not exist. cmd/migrate owns the
// versioned history; this keeps fresh deployments working without it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS signing_sessions (
			id TEXT PRIMARY KEY,
			pin TEXT NOT NULL,
			threshold INT NOT NULL,
			eligible_keys JSONB NOT NULL DEFAULT '[]',
			expected_signers INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			frozen_tx BYTEA,
			decoded JSONB,
			contract_interface JSONB,
			metadata JSONB,
			failure_reason TEXT NOT NULL DEFAULT '',
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			tx_received_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			delete_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS session_participants (
			participant_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES signing_sessions(id) ON DELETE CASCADE,
			label TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			subscribed BOOLEAN NOT NULL DEFAULT FALSE,
			connected_at TIMESTAMPTZ NOT NULL,
			ready_at TIMESTAMPTZ,
			last_update TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_signatures (
			session_id TEXT NOT NULL REFERENCES signing_sessions(id) ON DELETE CASCADE,
			public_key TEXT NOT NULL,
			signatures JSONB NOT NULL,
			participant_id TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			verified BOOLEAN NOT NULL,
			PRIMARY KEY (session_id, public_key)
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON signing_sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON signing_sessions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_participants_session ON session_participants(session_id);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	if sess.Threshold < 1 {
		return ErrBadThreshold
	}
	if len(sess.EligibleKeys) > 0 && sess.Threshold > len(sess.EligibleKeys) {
		return ErrBadThreshold
	}
	if sess.ExpectedSigners > 0 && sess.ExpectedSigners < sess.Threshold {
		return ErrBadExpectedCount
	}
	if sess.Status == "" {
		if len(sess.FrozenTx) > 0 {
			sess.Status = StatusTransactionReceived
			sess.TxReceivedAt = time.Now()
		} else {
			sess.Status = StatusWaiting
		}
	}

	keys, _ := json.Marshal(sess.EligibleKeys)
	meta, _ := json.Marshal(sess.Metadata)
	iface, _ := json.Marshal(sess.ContractInterface)
	var decoded []byte
	if sess.Decoded != nil {
		decoded, _ = json.Marshal(sess.Decoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_sessions
			(id, pin, threshold, eligible_keys, expected_signers, status,
			 frozen_tx, decoded, contract_interface, metadata, created_at,
			 expires_at, tx_received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sess.ID, sess.PIN, sess.Threshold, keys, sess.ExpectedSigners, sess.Status,
		sess.FrozenTx, nullableJSON(decoded), iface, meta, sess.CreatedAt,
		sess.ExpiresAt, nullableTime(sess.TxReceivedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		out = sess
		return nil
	})
	return out, err
}

func (s *PostgresStore) Authenticate(ctx context.Context, id, pin string) (*Session, error) {
	var out *Session
	err := s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		ok := PINEqual(pin, sess.PIN)
		if !sess.Status.Authenticatable() {
			return terminalError(sess)
		}
		if !ok {
			return ErrWrongPIN
		}
		out = sess
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		PINEqual(pin, "--------")
	}
	return out, err
}

func (s *PostgresStore) AddParticipant(ctx context.Context, id string, p *Participant) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if sess.Status.Terminal() {
			return terminalError(sess)
		}
		now := time.Now()
		status := p.Status
		if status == "" {
			status = ParticipantConnected
		}
		connectedAt := p.ConnectedAt
		if connectedAt.IsZero() {
			connectedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_participants
				(participant_id, session_id, label, status, subscribed, connected_at, last_update)
			VALUES ($1,$2,$3,$4,TRUE,$5,$6)
		`, p.ID, id, p.Label, status, connectedAt, now)
		return err
	})
}

func (s *PostgresStore) SetParticipantReady(ctx context.Context, id, participantID, publicKey string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if sess.Status.Terminal() {
			return terminalError(sess)
		}
		if _, ok := sess.Participants[participantID]; !ok {
			return ErrParticipantGone
		}
		if !sess.Eligible(publicKey) {
			return ErrIneligibleKey
		}
		if _, signed := sess.Signatures[publicKey]; signed {
			return ErrAlreadySigned
		}
		now := time.Now()
		_, err := tx.ExecContext(ctx, `
			UPDATE session_participants
			SET status = $1, public_key = $2, ready_at = $3, last_update = $3
			WHERE participant_id = $4
		`, ParticipantReady, publicKey, now, participantID)
		return err
	})
}

func (s *PostgresStore) SetParticipantStatus(ctx context.Context, id, participantID string, st ParticipantStatus) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if _, ok := sess.Participants[participantID]; !ok {
			return ErrParticipantGone
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE session_participants SET status = $1, last_update = $2
			WHERE participant_id = $3
		`, st, time.Now(), participantID)
		return err
	})
}

func (s *PostgresStore) InjectTransaction(ctx context.Context, id string, raw []byte, decoded *txdecode.Decoded, contractInterface []string, metadata map[string]string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if sess.Status.Terminal() {
			return terminalError(sess)
		}
		if sess.Status != StatusWaiting {
			return ErrNotWaiting
		}
		dec, _ := json.Marshal(decoded)
		iface, _ := json.Marshal(contractInterface)
		meta, _ := json.Marshal(metadata)
		_, err := tx.ExecContext(ctx, `
			UPDATE signing_sessions
			SET frozen_tx = $1, decoded = $2, contract_interface = $3,
			    metadata = COALESCE($4, metadata), status = $5, tx_received_at = $6
			WHERE id = $7
		`, raw, dec, iface, nullableJSON(metaOrNil(metadata, meta)), StatusTransactionReceived, time.Now(), id)
		return err
	})
}

func (s *PostgresStore) RecordSignature(ctx context.Context, id string, sig *SignatureRecord) (int, bool, error) {
	var count int
	var met bool
	err := s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		count = len(sess.Signatures)
		if sess.Status.Terminal() {
			return terminalError(sess)
		}
		if sess.Status == StatusExecuting {
			return ErrThresholdMet
		}
		if sess.Status != StatusTransactionReceived && sess.Status != StatusSigning {
			return ErrNotAcceptingSigs
		}
		if !sess.Eligible(sig.PublicKey) {
			return ErrIneligibleKey
		}
		if existing, dup := sess.Signatures[sig.PublicKey]; dup {
			if signatureBytesEqual(existing.Signatures, sig.Signatures) {
				return nil // idempotent
			}
			return ErrDuplicateKey
		}
		if !sig.Verified {
			return ErrNotAcceptingSigs
		}

		received := sig.ReceivedAt
		if received.IsZero() {
			received = time.Now()
		}
		sigJSON, _ := json.Marshal(encodeSigList(sig.Signatures))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_signatures
				(session_id, public_key, signatures, participant_id, received_at, verified)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, id, sig.PublicKey, sigJSON, sig.ParticipantID, received, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE session_participants SET status = $1, public_key = $2, last_update = $3
			WHERE participant_id = $4
		`, ParticipantSigned, sig.PublicKey, received, sig.ParticipantID); err != nil {
			return err
		}
		if sess.Status == StatusTransactionReceived {
			if _, err := tx.ExecContext(ctx,
				`UPDATE signing_sessions SET status = $1 WHERE id = $2`,
				StatusSigning, id); err != nil {
				return err
			}
		}
		count = len(sess.Signatures) + 1
		met = count >= sess.Threshold
		return nil
	})
	return count, met, err
}

func (s *PostgresStore) MarkExecuting(ctx context.Context, id string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if sess.Status.Terminal() {
			return terminalError(sess)
		}
		if sess.Status != StatusSigning {
			return ErrNotAcceptingSigs
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE signing_sessions SET status = $1 WHERE id = $2`, StatusExecuting, id)
		return err
	})
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result *ExecutionResult) error {
	res, _ := json.Marshal(result)
	return s.markTerminal(ctx, id, StatusCompleted, "", res)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.markTerminal(ctx, id, StatusFailed, reason, nil)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string, reason string) error {
	return s.markTerminal(ctx, id, StatusCancelled, reason, nil)
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id string) error {
	return s.markTerminal(ctx, id, StatusExpired, "", nil)
}

func (s *PostgresStore) markTerminal(ctx context.Context, id string, status Status, reason string, result []byte) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if sess.Status.Terminal() {
			return nil // idempotent
		}
		now := time.Now()
		_, err := tx.ExecContext(ctx, `
			UPDATE signing_sessions
			SET status = $1, failure_reason = $2, result = COALESCE($3, result),
			    completed_at = $4, delete_at = $5
			WHERE id = $6
		`, status, reason, nullableJSON(result), now, now.Add(s.gracePeriod), id)
		return err
	})
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, id, participantID string) error {
	return s.withSession(ctx, id, func(tx *sql.Tx, sess *Session) error {
		if _, ok := sess.Participants[participantID]; !ok {
			return ErrParticipantGone
		}
		for _, rec := range sess.Signatures {
			if rec.ParticipantID == participantID {
				_, err := tx.ExecContext(ctx, `
					UPDATE session_participants
					SET status = $1, subscribed = FALSE, last_update = $2
					WHERE participant_id = $3
				`, ParticipantDisconnected, time.Now(), participantID)
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM session_participants WHERE participant_id = $1`, participantID)
		return err
	})
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM signing_sessions
		WHERE status NOT IN ('completed','expired','cancelled','failed')
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Summary, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue // expired or deleted mid-listing
		}
		if !sess.Status.Terminal() {
			out = append(out, sess.Summarize())
		}
	}
	return out, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM signing_sessions
		WHERE status NOT IN ('completed','expired','cancelled','failed')
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*Session
	for _, id := range ids {
		err := s.withSessionNoExpiry(ctx, id, func(tx *sql.Tx, sess *Session) error {
			if sess.Status.Terminal() || !sess.Expired(now) {
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE signing_sessions SET status = $1, delete_at = $2 WHERE id = $3
			`, StatusExpired, now.Add(s.gracePeriod), id); err != nil {
				return err
			}
			sess.Status = StatusExpired
			expired = append(expired, sess)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func (s *PostgresStore) DeleteDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM signing_sessions
		WHERE status IN ('completed','expired','cancelled','failed')
		  AND delete_at IS NOT NULL AND delete_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Shutdown(ctx context.Context) error {
	return nil // the server owns the *sql.DB
}

// withSession loads a session under FOR UPDATE, lazily expires it, runs
// fn, and commits. fn sees a fully hydrated snapshot.
func (s *PostgresStore) withSession(ctx context.Context, id string, fn func(*sql.Tx, *Session) error) error {
	return s.withSessionOpts(ctx, id, true, fn)
}

func (s *PostgresStore) withSessionNoExpiry(ctx context.Context, id string, fn func(*sql.Tx, *Session) error) error {
	return s.withSessionOpts(ctx, id, false, fn)
}

func (s *PostgresStore) withSessionOpts(ctx context.Context, id string, lazyExpire bool, fn func(*sql.Tx, *Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := s.loadSession(ctx, tx, id)
	if err != nil {
		return err
	}

	if lazyExpire && !sess.Status.Terminal() && sess.Expired(time.Now()) {
		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE signing_sessions SET status = $1, delete_at = $2 WHERE id = $3
		`, StatusExpired, now.Add(s.gracePeriod), id); err != nil {
			return err
		}
		sess.Status = StatusExpired
		sess.DeleteAt = now.Add(s.gracePeriod)
	}

	if err := fn(tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

// Scan/marshal helpers.

func nullableJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOrZero(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}

func metaOrNil(meta map[string]string, marshalled []byte) []byte {
	if meta == nil {
		return nil
	}
	return marshalled
}

// encodeSigList stores per-node signatures as base64 strings in JSONB.
func encodeSigList(sigs [][]byte) []string {
	out := make([]string, len(sigs))
	for i, b := range sigs {
		out[i] = base64.StdEncoding.EncodeToString(b)
	}
	return out
}

func decodeSigList(encoded []string) [][]byte {
	out := make([][]byte, 0, len(encoded))
	for _, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *PostgresStore) loadSession(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	sess := &Session{
		Participants: make(map[string]*Participant),
		Signatures:   make(map[string]*SignatureRecord),
	}
	var (
		keys, iface, meta, decoded, result []byte
		txReceived, completed, deleteAt    sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, pin, threshold, eligible_keys, expected_signers, status,
		       frozen_tx, decoded, contract_interface, metadata, failure_reason,
		       result, created_at, expires_at, tx_received_at, completed_at, delete_at
		FROM signing_sessions WHERE id = $1 FOR UPDATE
	`, id).Scan(&sess.ID, &sess.PIN, &sess.Threshold, &keys, &sess.ExpectedSigners,
		&sess.Status, &sess.FrozenTx, &decoded, &iface, &meta, &sess.FailureReason,
		&result, &sess.CreatedAt, &sess.ExpiresAt, &txReceived, &completed, &deleteAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(keys, &sess.EligibleKeys)
	_ = json.Unmarshal(iface, &sess.ContractInterface)
	_ = json.Unmarshal(meta, &sess.Metadata)
	if len(decoded) > 0 {
		sess.Decoded = &txdecode.Decoded{}
		_ = json.Unmarshal(decoded, sess.Decoded)
	}
	if len(result) > 0 {
		sess.Result = &ExecutionResult{}
		_ = json.Unmarshal(result, sess.Result)
	}
	sess.TxReceivedAt = timeOrZero(txReceived)
	sess.CompletedAt = timeOrZero(completed)
	sess.DeleteAt = timeOrZero(deleteAt)

	prows, err := tx.QueryContext(ctx, `
		SELECT participant_id, label, status, public_key, subscribed,
		       connected_at, ready_at, last_update
		FROM session_participants WHERE session_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	for prows.Next() {
		p := &Participant{}
		var readyAt sql.NullTime
		if err := prows.Scan(&p.ID, &p.Label, &p.Status, &p.PublicKey,
			&p.Subscribed, &p.ConnectedAt, &readyAt, &p.LastUpdate); err != nil {
			_ = prows.Close()
			return nil, err
		}
		p.ReadyAt = timeOrZero(readyAt)
		sess.Participants[p.ID] = p
	}
	_ = prows.Close()
	if err := prows.Err(); err != nil {
		return nil, err
	}

	srows, err := tx.QueryContext(ctx, `
		SELECT public_key, signatures, participant_id, received_at, verified
		FROM session_signatures WHERE session_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	for srows.Next() {
		rec := &SignatureRecord{}
		var sigJSON []byte
		if err := srows.Scan(&rec.PublicKey, &sigJSON, &rec.ParticipantID,
			&rec.ReceivedAt, &rec.Verified); err != nil {
			_ = srows.Close()
			return nil, err
		}
		var encoded []string
		_ = json.Unmarshal(sigJSON, &encoded)
		rec.Signatures = decodeSigList(encoded)
		sess.Signatures[rec.PublicKey] = rec
	}
	_ = srows.Close()
	if err := srows.Err(); err != nil {
		return nil, err
	}

	return sess, nil
}
