package simledger

// Token is a minted asset and the URI of its metadata document.
type Token struct {
	TokenID uint64 `gorm:"column:token_id;primaryKey;autoIncrement"`
	URI     string `gorm:"column:uri;not null"`
	Owner   string `gorm:"column:owner;size:42;not null;index"`
}

// TableName binds Token to its table.
func (Token) TableName() string {
	return "sim_tokens"
}

// Item is a marketplace listing. Sold only ever moves from false to true.
type Item struct {
	ItemID   uint64 `gorm:"column:item_id;primaryKey;autoIncrement"`
	TokenID  uint64 `gorm:"column:token_id;not null;uniqueIndex"`
	Seller   string `gorm:"column:seller;size:42;not null;index"`
	PriceWei string `gorm:"column:price_wei;not null"`
	Sold     bool   `gorm:"column:sold;not null;default:false"`
}

// TableName binds Item to its table.
func (Item) TableName() string {
	return "sim_items"
}

// Purchase is an append-only purchase log entry. Seq orders the log.
type Purchase struct {
	Seq         uint64 `gorm:"column:seq;primaryKey;autoIncrement"`
	ItemID      uint64 `gorm:"column:item_id;not null;index"`
	TokenID     uint64 `gorm:"column:token_id;not null"`
	Buyer       string `gorm:"column:buyer;size:42;not null;index"`
	PriceWei    string `gorm:"column:price_wei;not null"`
	BlockNumber uint64 `gorm:"column:block_number;not null"`
	TxHash      string `gorm:"column:tx_hash;size:66;not null"`
}

// TableName binds Purchase to its table.
func (Purchase) TableName() string {
	return "sim_purchases"
}

// Balance is the spendable amount of one account.
type Balance struct {
	Account    string `gorm:"column:account;primaryKey;size:42"`
	BalanceWei string `gorm:"column:balance_wei;not null"`
}

// TableName binds Balance to its table.
func (Balance) TableName() string {
	return "sim_balances"
}

// Block is the simulated chain head; one row, advanced by every write.
type Block struct {
	ID     uint   `gorm:"column:id;primaryKey"`
	Number uint64 `gorm:"column:number;not null"`
}

// TableName binds Block to its table.
func (Block) TableName() string {
	return "sim_blocks"
}

// Models lists every table the simulated ledger needs migrated.
func Models() []any {
	return []any{&Token{}, &Item{}, &Purchase{}, &Balance{}, &Block{}}
}
