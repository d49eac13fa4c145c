package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Notification is the message delivered to each recipient
type Notification struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	URL       string    `json:"url,omitempty"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Directory lists the accounts behind a role
type Directory interface {
	Admins(ctx context.Context) ([]Party, error)
}

// Resolve builds the recipient list from explicit participants plus every
// admin when includeAdmins is set. Duplicates, parties that cannot receive
// notifications and the sender are dropped. Order follows first appearance.
func Resolve(ctx context.Context, dir Directory, sender *Party, participants []Party, includeAdmins bool) ([]Party, error) {
	candidates := append([]Party(nil), participants...)
	if includeAdmins && dir != nil {
		admins, err := dir.Admins(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve admins: %w", err)
		}
		candidates = append(candidates, admins...)
	}

	seen := make(map[Party]bool, len(candidates))
	out := make([]Party, 0, len(candidates))
	for _, p := range candidates {
		if !p.CanReceiveNotifications() || seen[p] {
			continue
		}
		if sender != nil && p == *sender {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Publisher delivers a payload on a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier resolves recipients and publishes one message per recipient
type Notifier struct {
	dir Directory
	pub Publisher
	now func() time.Time
}

func NewNotifier(dir Directory, pub Publisher) *Notifier {
	return &Notifier{dir: dir, pub: pub, now: time.Now}
}

// Notify returns how many recipients the message was published to. A
// failed publish is logged and does not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, sender *Party, participants []Party, includeAdmins bool, note Notification) (int, error) {
	if n == nil || n.pub == nil {
		return 0, nil
	}
	recipients, err := Resolve(ctx, n.dir, sender, participants, includeAdmins)
	if err != nil {
		return 0, err
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now().UTC()
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return 0, fmt.Errorf("encode notification: %w", err)
	}

	sent := 0
	for _, r := range recipients {
		if err := n.pub.Publish(ctx, r.Channel(), payload); err != nil {
			log.Printf("[Notify] Publish to %s failed: %v", r.Channel(), err)
			continue
		}
		sent++
	}
	return sent, nil
}

// RedisPublisher publishes on redis pub/sub
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// StaticDirectory serves a fixed admin list
type StaticDirectory []Party

func (d StaticDirectory) Admins(ctx context.Context) ([]Party, error) {
	return d, nil
}

// PostgresDirectory treats every row of the users table as an admin account
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) Admins(ctx context.Context) ([]Party, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []Party
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		admins = append(admins, Party{Role: RoleAdmin, ID: id})
	}
	return admins, rows.Err()
}
