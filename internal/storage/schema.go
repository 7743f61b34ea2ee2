package storage

// Row types are the GORM-mapped persistence shapes. They mirror
// internal/model's domain types but stay separate so the domain package
// never imports an ORM tag vocabulary.

type noteRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Content   string
	FolderID  string `gorm:"index"`
	IsStarred bool
	ColorID   string
	Status    string
	Tags      string // JSON-encoded ordered set of strings
	CreatedAt int64
	UpdatedAt int64
	ServerTag *string
}

func (noteRow) TableName() string { return "notes" }

type folderRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Count     int
	IsSystem  bool
	IsPinned  bool
	CreatedAt int64
	Tag       *string
}

func (folderRow) TableName() string { return "folders" }

// syncStatusRow is the singleton sync_status table; ID is pinned to 1.
type syncStatusRow struct {
	ID           int `gorm:"primaryKey"`
	LastSyncTime int64
	SyncTag      string
}

func (syncStatusRow) TableName() string { return "sync_status" }

// noteOperationRow has no dedicated auto-increment column: SQLite only
// supports AUTOINCREMENT on an INTEGER PRIMARY KEY, and ID here is a
// UUID string. FIFO tie-breaking instead orders by the table's implicit
// rowid, which SQLite always assigns monotonically on insert.
type noteOperationRow struct {
	ID                 string `gorm:"primaryKey"`
	Type               string `gorm:"index"`
	NoteID             string `gorm:"index"`
	Data               []byte
	Status             string `gorm:"index"`
	Priority           int
	RetryCount         int
	LastError          string
	LocalSaveTimestamp int64
}

func (noteOperationRow) TableName() string { return "note_operations" }

type idMappingRow struct {
	LocalID    string `gorm:"primaryKey"`
	ServerID   string `gorm:"index"`
	EntityType string
	CreatedAt  int64
	Completed  bool
}

func (idMappingRow) TableName() string { return "id_mappings" }

// folderSortInfoRow persists the user's manual folder ordering, the one
// piece of per-folder UI state that survives restarts.
type folderSortInfoRow struct {
	FolderID  string `gorm:"primaryKey"`
	SortIndex int
}

func (folderSortInfoRow) TableName() string { return "folder_sort_info" }

func allModels() []any {
	return []any{
		&noteRow{},
		&folderRow{},
		&syncStatusRow{},
		&noteOperationRow{},
		&idMappingRow{},
		&folderSortInfoRow{},
	}
}
