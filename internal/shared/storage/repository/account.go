// Package repository 账号相关的存储操作
package repository

import (
	"context"
	"database/sql"

	"caseflow/internal/shared/storage"
)

// CreateAccount 创建账号
func (s *Store) CreateAccount(ctx context.Context, account *storage.Account) error {
	query := s.rebind(`
		INSERT INTO accounts (id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.Email, account.PasswordHash, account.Role, account.CreatedAt)
	if err != nil && isDuplicateErr(err) {
		return storage.ErrDuplicate
	}
	return err
}

// GetAccountByEmail 按邮箱查找账号
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*storage.Account, error) {
	query := s.rebind(`
		SELECT id, email, password_hash, role, created_at
		FROM accounts WHERE email = $1
	`)
	account := &storage.Account{}
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&account.ID, &account.Email, &account.PasswordHash,
		&account.Role, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByID 按 ID 查找账号
func (s *Store) GetAccountByID(ctx context.Context, id string) (*storage.Account, error) {
	query := s.rebind(`
		SELECT id, email, password_hash, role, created_at
		FROM accounts WHERE id = $1
	`)
	account := &storage.Account{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID, &account.Email, &account.PasswordHash,
		&account.Role, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}
