package db

import "time"

type VaultModel struct {
	ID                 string `gorm:"primaryKey"`
	OwnerAddress       string `gorm:"not null"`
	SecurityLevel      int    `gorm:"not null"`
	UnlockTime         *time.Time
	PrimaryChain       string    `gorm:"not null"`
	State              string    `gorm:"index;not null"`
	CurrentOperationID string    `gorm:"not null;default:''"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (VaultModel) TableName() string { return "vaults" }

type OperationModel struct {
	VaultID          string    `gorm:"primaryKey"`
	ID               string    `gorm:"column:operation_id;primaryKey"`
	Type             string    `gorm:"not null"`
	PayloadJSON      []byte    `gorm:"column:payload;type:jsonb;not null"`
	CanonicalPayload []byte    `gorm:"type:bytea;not null"`
	PayloadHash      string    `gorm:"not null"`
	PrimaryChain     string    `gorm:"not null"`
	SecondaryChains  string    `gorm:"not null"`
	SecurityLevel    int       `gorm:"not null"`
	Status           string    `gorm:"index;not null"`
	Applied          bool      `gorm:"not null"`
	VerdictJSON      []byte    `gorm:"column:verdict;type:jsonb"`
	CreatedAt        time.Time `gorm:"index;not null;autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (OperationModel) TableName() string { return "operations" }

type OperationRecordModel struct {
	VaultID       string    `gorm:"primaryKey"`
	OperationID   string    `gorm:"primaryKey"`
	PrimaryChain  string    `gorm:"not null"`
	CanonicalHash string    `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
}

func (OperationRecordModel) TableName() string { return "operation_records" }

type ChainReceiptModel struct {
	ID                  int64  `gorm:"primaryKey"`
	VaultID             string `gorm:"uniqueIndex:ux_chain_receipts_key;not null"`
	OperationID         string `gorm:"uniqueIndex:ux_chain_receipts_key;not null"`
	Chain               string `gorm:"uniqueIndex:ux_chain_receipts_key;not null"`
	TxRef               string `gorm:"not null"`
	Status              string `gorm:"not null"`
	Proof               []byte `gorm:"type:bytea"`
	ObservedPayloadHash string
	QueryError          string
	ErrorDetail         string
	SubmittedAt         time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false"`
}

func (ChainReceiptModel) TableName() string { return "chain_receipts" }

type ReceiptHistoryModel struct {
	ID                  int64  `gorm:"primaryKey"`
	VaultID             string `gorm:"index:ix_receipt_history_op;not null"`
	OperationID         string `gorm:"index:ix_receipt_history_op;not null"`
	Chain               string `gorm:"not null"`
	TxRef               string `gorm:"not null"`
	Status              string `gorm:"not null"`
	Proof               []byte `gorm:"type:bytea"`
	ObservedPayloadHash string
	QueryError          string
	ErrorDetail         string
	SubmittedAt         time.Time
	UpdatedAt           time.Time `gorm:"autoUpdateTime:false"`
	ReplacedAt          time.Time `gorm:"not null"`
}

func (ReceiptHistoryModel) TableName() string { return "chain_receipt_history" }
