package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentSnapshot：每个成功保存的版本一行
type DocumentSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_rev" json:"documentId"`
	Revision   uint64    `gorm:"not null;uniqueIndex:idx_doc_rev" json:"revision"`
	Content    string    `gorm:"type:longtext" json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

// SnapshotStore：MySQL 版历史归档，实现 SnapshotArchive
type SnapshotStore struct{ db *gorm.DB }

var _ SnapshotArchive = (*SnapshotStore)(nil)

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&DocumentSnapshot{})
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error {
	err := s.db.WithContext(ctx).Create(&DocumentSnapshot{
		DocumentID: docID,
		Revision:   rev,
		Content:    content,
	}).Error
	// 同一 (doc, rev) 重复写入视为成功
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

// ListSnapshots 最新的版本在前
func (s *SnapshotStore) ListSnapshots(ctx context.Context, docID string, limit int) ([]DocumentSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("revision DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
