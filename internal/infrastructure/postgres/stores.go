package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/asset"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
	"github.com/dataspace-connector/connector/internal/domain/negotiation"
	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

type NegotiationStore struct {
	*EntityStore[*negotiation.ContractNegotiation]
}

func NewNegotiationStore(pool *pgxpool.Pool, clk clock.Clock) *NegotiationStore {
	return &NegotiationStore{newEntityStore(pool, "contract_negotiations", clk,
		func() *negotiation.ContractNegotiation { return &negotiation.ContractNegotiation{} },
		func(n *negotiation.ContractNegotiation) keys {
			k := keys{CorrelationID: n.CorrelationID}
			if n.ContractAgreement != nil {
				k.AgreementID = n.ContractAgreement.ID
			}
			return k
		},
	)}
}

func (s *NegotiationStore) FindByAgreementID(ctx context.Context, agreementID string) (*negotiation.ContractNegotiation, error) {
	if agreementID == "" {
		return nil, nil
	}
	return s.findOne(ctx, "agreement_id=$1", agreementID)
}

type TransferStore struct {
	*EntityStore[*transfer.Process]
}

func NewTransferStore(pool *pgxpool.Pool, clk clock.Clock) *TransferStore {
	return &TransferStore{newEntityStore(pool, "transfer_processes", clk,
		func() *transfer.Process { return &transfer.Process{} },
		func(p *transfer.Process) keys {
			return keys{CorrelationID: p.CorrelationID, AgreementID: p.DataRequest.ContractID}
		},
	)}
}

type AssetStore struct {
	pool *pgxpool.Pool
}

func NewAssetStore(pool *pgxpool.Pool) *AssetStore {
	return &AssetStore{pool: pool}
}

func (s *AssetStore) Save(ctx context.Context, a *asset.Asset) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", a.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO assets (id, body, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET body=EXCLUDED.body
	`, a.ID, body, a.CreatedAt)
	return err
}

func (s *AssetStore) FindByID(ctx context.Context, id string) (*asset.Asset, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM assets WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a asset.Asset
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("decode asset %s: %w", id, err)
	}
	return &a, nil
}

func (s *AssetStore) List(ctx context.Context, limit, offset int) ([]*asset.Asset, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT body FROM assets ORDER BY created_at, id LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*asset.Asset
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a asset.Asset
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("decode asset: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// TokenStore keeps token hashes and their claims. Expired rows are pruned whenever a process's
// tokens are revoked.
type TokenStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewTokenStore(pool *pgxpool.Pool, clk clock.Clock) *TokenStore {
	return &TokenStore{pool: pool, clock: clk}
}

func (s *TokenStore) Save(ctx context.Context, tokenHash string, claims dataplane.Claims) error {
	body, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("encode claims: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO access_tokens (token_hash, process_id, claims, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET claims=EXCLUDED.claims, expires_at=EXCLUDED.expires_at
	`, tokenHash, claims.ProcessID, body, claims.ExpiresAt)
	return err
}

func (s *TokenStore) Find(ctx context.Context, tokenHash string) (*dataplane.Claims, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT claims FROM access_tokens WHERE token_hash=$1`, tokenHash).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c dataplane.Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return &c, nil
}

func (s *TokenStore) RevokeProcess(ctx context.Context, processID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM access_tokens WHERE process_id=$1 OR expires_at <= $2`,
		processID, s.clock.Now().Unix())
	return err
}

var (
	_ negotiation.Store    = (*NegotiationStore)(nil)
	_ transfer.Store       = (*TransferStore)(nil)
	_ asset.Store          = (*AssetStore)(nil)
	_ dataplane.TokenStore = (*TokenStore)(nil)
)
