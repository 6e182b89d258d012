package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no item has the requested id
var ErrNotFound = errors.New("item not found")

// Item is one catalogued household object
type Item struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Room           string    `json:"room"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	Condition      string    `json:"condition"`
	EstimatedValue float64   `json:"estimated_value"`
	ImageRef       string    `json:"image_ref"`
	CreatedAt      time.Time `json:"created_at"`
}

// ItemStore persists catalogued items
type ItemStore interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Item, error)
	ListByField(ctx context.Context, field, value string) ([]Item, error)
}

// filterable columns for ListByField
var filterable = map[string]bool{
	"name":      true,
	"category":  true,
	"room":      true,
	"condition": true,
}

// SQLite is an ItemStore backed by a SQLite database
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates and initializes a SQLite item store
func Open(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate creates the necessary tables if they don't exist.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT DEFAULT '',
		room TEXT DEFAULT '',
		description TEXT DEFAULT '',
		tags TEXT DEFAULT '[]',
		condition TEXT DEFAULT '',
		estimated_value REAL DEFAULT 0,
		image_ref TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
	CREATE INDEX IF NOT EXISTS idx_items_room ON items(room);
	CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Create inserts item, assigning a new id and creation time when unset
func (s *SQLite) Create(ctx context.Context, item *Item) error {
	if strings.TrimSpace(item.Name) == "" {
		return fmt.Errorf("item name is required")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, category, room, description, tags, condition, estimated_value, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Category, item.Room, item.Description, tags,
		item.Condition, item.EstimatedValue, item.ImageRef, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

// Get returns the item with the given id
func (s *SQLite) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// Update replaces every field of an existing item except its creation time
func (s *SQLite) Update(ctx context.Context, item *Item) error {
	tags, err := encodeTags(item.Tags)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET name = ?, category = ?, room = ?, description = ?, tags = ?,
			condition = ?, estimated_value = ?, image_ref = ?
		WHERE id = ?`,
		item.Name, item.Category, item.Room, item.Description, tags,
		item.Condition, item.EstimatedValue, item.ImageRef, item.ID)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	return checkAffected(res)
}

// Delete removes the item with the given id
func (s *SQLite) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return checkAffected(res)
}

// List returns all items, oldest first
func (s *SQLite) List(ctx context.Context) ([]Item, error) {
	return s.query(ctx, `SELECT `+columns+` FROM items ORDER BY created_at, id`)
}

// ListByField returns the items whose field equals value. Only name, category,
// room and condition can be filtered on.
func (s *SQLite) ListByField(ctx context.Context, field, value string) ([]Item, error) {
	if !filterable[field] {
		return nil, fmt.Errorf("cannot filter items by %q", field)
	}
	return s.query(ctx, `SELECT `+columns+` FROM items WHERE `+field+` = ? ORDER BY created_at, id`, value)
}

const columns = `id, name, category, room, description, tags, condition, estimated_value, image_ref, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var tags string
	if err := row.Scan(&item.ID, &item.Name, &item.Category, &item.Room, &item.Description,
		&tags, &item.Condition, &item.EstimatedValue, &item.ImageRef, &item.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags for item %s: %w", item.ID, err)
	}
	return &item, nil
}

func (s *SQLite) query(ctx context.Context, query string, args ...interface{}) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
