package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/camplink/camplink/internal/radio"
)

func (db *PgCamplinkRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, callsign, email, password_hash, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, username, callsign, email",
		params.Username,
		params.Callsign,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.Callsign,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgCamplinkRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, callsign = $3, password_hash = $4, updated_at = $5 "+
			"WHERE id = $1 RETURNING id, username, callsign, email",
		params.UserId,
		params.Username,
		params.Callsign,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.Callsign,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgCamplinkRepository) GetAccountById(accountId int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, callsign, email, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		accountId,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.Callsign,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgCamplinkRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, callsign, email, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.Callsign,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

// CreateChannel inserts the channel and subscribes its creator in one
// transaction so a channel is never reachable as owned-but-not-joined.
func (db *PgCamplinkRepository) CreateChannel(params CreateChannelParams) (Channel, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Channel{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRow(
		"INSERT INTO channels (external_id, channel_type, name, description, member_count, anchor_lat, anchor_lon, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, 1, $5, $6, $7, $8, $8) "+
			"RETURNING id, external_id, channel_type, name, description, is_active, member_count, owner_id, created_at, updated_at",
		params.ExternalId,
		params.ChannelType,
		params.Name,
		params.Description,
		params.AnchorLat,
		params.AnchorLon,
		params.OwnerId,
		now,
	)

	var ch Channel
	if err := row.Scan(
		&ch.Id,
		&ch.ExternalId,
		&ch.ChannelType,
		&ch.Name,
		&ch.Description,
		&ch.IsActive,
		&ch.MemberCount,
		&ch.OwnerId,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	); err != nil {
		return Channel{}, err
	}
	ch.AnchorLat = params.AnchorLat
	ch.AnchorLon = params.AnchorLon

	if _, err := tx.Exec(
		"INSERT INTO subscriptions (account_id, channel_id, created_at, updated_at) VALUES ($1, $2, $3, $3)",
		params.OwnerId, ch.Id, now,
	); err != nil {
		return Channel{}, fmt.Errorf("subscribe creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Channel{}, fmt.Errorf("commit: %w", err)
	}

	return ch, nil
}

func (db *PgCamplinkRepository) GetChannelByExternalId(externalId string) (Channel, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, channel_type, name, description, is_active, member_count, anchor_lat, anchor_lon, COALESCE(owner_id, 0), created_at, updated_at "+
			"FROM channels WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var ch Channel
	err := row.Scan(
		&ch.Id,
		&ch.ExternalId,
		&ch.ChannelType,
		&ch.Name,
		&ch.Description,
		&ch.IsActive,
		&ch.MemberCount,
		&ch.AnchorLat,
		&ch.AnchorLon,
		&ch.OwnerId,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)

	return ch, err
}

func (db *PgCamplinkRepository) GetChannelWithSubscribers(channelId int) (*Channel, error) {
	query := `
		SELECT
				c.id,
				c.external_id,
				c.channel_type,
				c.name,
				c.description,
				c.is_active,
				c.member_count,
				c.anchor_lat,
				c.anchor_lon,
				COALESCE(c.owner_id, 0),
				c.created_at,
				c.updated_at,
				s.id,
				s.account_id,
				a.username,
				a.callsign,
				s.muted,
				s.created_at,
				s.updated_at
		FROM channels c
		LEFT JOIN subscriptions s ON c.id = s.channel_id
		LEFT JOIN accounts a ON s.account_id = a.id
		WHERE c.id = $1;
`

	rows, err := db.conn.Query(query, channelId)
	if err != nil {
		return nil, fmt.Errorf("fetch channel with subscribers: %w", err)
	}
	defer rows.Close()

	var channel *Channel
	for rows.Next() {
		var (
			ch        Channel
			subId     sql.NullInt64
			accountId sql.NullInt64
			username  sql.NullString
			callsign  sql.NullString
			muted     sql.NullBool
			createdAt sql.NullTime
			updatedAt sql.NullTime
		)

		if err := rows.Scan(
			&ch.Id,
			&ch.ExternalId,
			&ch.ChannelType,
			&ch.Name,
			&ch.Description,
			&ch.IsActive,
			&ch.MemberCount,
			&ch.AnchorLat,
			&ch.AnchorLon,
			&ch.OwnerId,
			&ch.CreatedAt,
			&ch.UpdatedAt,
			&subId,
			&accountId,
			&username,
			&callsign,
			&muted,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}

		if channel == nil {
			channel = &ch
		}

		if subId.Valid {
			channel.Subscriptions = append(channel.Subscriptions, Subscription{
				Id:        int(subId.Int64),
				AccountId: int(accountId.Int64),
				Username:  username.String,
				Callsign:  callsign.String,
				ChannelId: channel.Id,
				Muted:     muted.Bool,
				CreatedAt: createdAt.Time,
				UpdatedAt: updatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, sql.ErrNoRows
	}

	return channel, nil
}

func (db *PgCamplinkRepository) ListChannels(accountId int) ([]Channel, error) {
	rows, err := db.conn.Query(
		"SELECT id, external_id, channel_type, name, description, is_active, member_count, anchor_lat, anchor_lon, COALESCE(owner_id, 0), created_at, updated_at "+
			"FROM channels WHERE is_active ORDER BY channel_type, name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(
			&ch.Id,
			&ch.ExternalId,
			&ch.ChannelType,
			&ch.Name,
			&ch.Description,
			&ch.IsActive,
			&ch.MemberCount,
			&ch.AnchorLat,
			&ch.AnchorLon,
			&ch.OwnerId,
			&ch.CreatedAt,
			&ch.UpdatedAt,
		); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

func (db *PgCamplinkRepository) DeleteChannel(id int) error {
	// Subscriptions and messages go with the channel via FK cascade.
	_, err := db.conn.Exec("DELETE FROM channels WHERE id = $1", id)
	return err
}

func (db *PgCamplinkRepository) EnsureOfficialChannels(params []CreateChannelParams) error {
	for _, p := range params {
		if _, err := db.conn.Exec(
			"INSERT INTO channels (external_id, channel_type, name, description, member_count, owner_id, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, 0, NULL, $5, $5) ON CONFLICT (external_id) DO NOTHING",
			p.ExternalId,
			p.ChannelType,
			p.Name,
			p.Description,
			time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("seed channel %q: %w", p.ExternalId, err)
		}
	}
	return nil
}

func (db *PgCamplinkRepository) CreateSubscription(accountId, channelId int) (Subscription, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Subscription{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sub, err := scanSubscription(tx.QueryRow(
		"SELECT s.id, s.account_id, a.username, a.callsign, s.channel_id, s.muted, s.created_at, s.updated_at "+
			"FROM subscriptions s JOIN accounts a ON s.account_id = a.id "+
			"WHERE s.account_id = $1 AND s.channel_id = $2 LIMIT 1",
		accountId, channelId,
	))
	if err == nil {
		// Already a member: re-subscribing is a no-op.
		return sub, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return Subscription{}, err
	}

	now := time.Now().UTC()
	row := tx.QueryRow(
		"INSERT INTO subscriptions (account_id, channel_id, created_at, updated_at) VALUES ($1, $2, $3, $3) "+
			"RETURNING id, account_id, channel_id, muted, created_at, updated_at",
		accountId, channelId, now,
	)
	if err := row.Scan(&sub.Id, &sub.AccountId, &sub.ChannelId, &sub.Muted, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return Subscription{}, err
	}

	if err := tx.QueryRow(
		"SELECT username, callsign FROM accounts WHERE id = $1", accountId,
	).Scan(&sub.Username, &sub.Callsign); err != nil {
		return Subscription{}, err
	}

	// member_count is advisory only.
	if _, err := tx.Exec(
		"UPDATE channels SET member_count = member_count + 1, updated_at = $2 WHERE id = $1",
		channelId, now,
	); err != nil {
		return Subscription{}, err
	}

	return sub, tx.Commit()
}

func scanSubscription(row *sql.Row) (Subscription, error) {
	var sub Subscription
	err := row.Scan(
		&sub.Id,
		&sub.AccountId,
		&sub.Username,
		&sub.Callsign,
		&sub.ChannelId,
		&sub.Muted,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	return sub, err
}

func (db *PgCamplinkRepository) SubscriptionExists(accountId, channelId int) bool {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM subscriptions WHERE account_id = $1 AND channel_id = $2)",
		accountId, channelId,
	).Scan(&exists)

	return err == nil && exists
}

func (db *PgCamplinkRepository) ListSubscriptions(accountId int) ([]Subscription, error) {
	query := `
		SELECT
				s.id,
				s.muted,
				s.created_at,
				s.updated_at,
				c.id,
				c.external_id,
				c.channel_type,
				c.name,
				c.description,
				c.is_active,
				c.member_count,
				c.anchor_lat,
				c.anchor_lon,
				COALESCE(c.owner_id, 0),
				c.created_at,
				c.updated_at
		FROM subscriptions s
		JOIN channels c ON s.channel_id = c.id
		WHERE s.account_id = $1
		ORDER BY s.created_at;
`

	rows, err := db.conn.Query(query, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(
			&sub.Id,
			&sub.Muted,
			&sub.CreatedAt,
			&sub.UpdatedAt,
			&sub.Channel.Id,
			&sub.Channel.ExternalId,
			&sub.Channel.ChannelType,
			&sub.Channel.Name,
			&sub.Channel.Description,
			&sub.Channel.IsActive,
			&sub.Channel.MemberCount,
			&sub.Channel.AnchorLat,
			&sub.Channel.AnchorLon,
			&sub.Channel.OwnerId,
			&sub.Channel.CreatedAt,
			&sub.Channel.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sub.AccountId = accountId
		sub.ChannelId = sub.Channel.Id
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

func (db *PgCamplinkRepository) DeleteSubscription(accountId, channelId int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"DELETE FROM subscriptions WHERE account_id = $1 AND channel_id = $2",
		accountId, channelId,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Unsubscribing a non-member is a no-op.
		return tx.Commit()
	}

	if _, err := tx.Exec(
		"UPDATE channels SET member_count = GREATEST(member_count - 1, 0), updated_at = $2 WHERE id = $1",
		channelId, time.Now().UTC(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgCamplinkRepository) SetSubscriptionMuted(accountId, channelId int, muted bool) error {
	_, err := db.conn.Exec(
		"UPDATE subscriptions SET muted = $3, updated_at = $4 WHERE account_id = $1 AND channel_id = $2",
		accountId, channelId, muted, time.Now().UTC(),
	)
	return err
}

func (db *PgCamplinkRepository) CreateMessage(msg Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (id, channel_id, account_id, callsign, content, sender_lat, sender_lon, device_kind, category, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		msg.Id,
		msg.ChannelId,
		msg.AccountId,
		msg.Callsign,
		msg.Content,
		msg.SenderLat,
		msg.SenderLon,
		msg.DeviceKind,
		msg.Category,
		msg.CreatedAt,
	)
	return err
}

func (db *PgCamplinkRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT id, channel_id, account_id, callsign, content, sender_lat, sender_lon, device_kind, category, created_at "+
			"FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ChannelId,
		&msg.AccountId,
		&msg.Callsign,
		&msg.Content,
		&msg.SenderLat,
		&msg.SenderLon,
		&msg.DeviceKind,
		&msg.Category,
		&msg.CreatedAt,
	)

	return msg, err
}

func (db *PgCamplinkRepository) DeleteMessage(id string) error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE id = $1", id)
	return err
}

func (db *PgCamplinkRepository) GetMessages(channelId int, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	// Fetch the newest window before the cutoff, then return it oldest first.
	rows, err := db.conn.Query(
		"SELECT id, channel_id, account_id, callsign, content, sender_lat, sender_lon, device_kind, category, created_at FROM ("+
			"SELECT * FROM messages WHERE channel_id = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3"+
			") m ORDER BY created_at ASC",
		channelId, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ChannelId,
			&msg.AccountId,
			&msg.Callsign,
			&msg.Content,
			&msg.SenderLat,
			&msg.SenderLon,
			&msg.DeviceKind,
			&msg.Category,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgCamplinkRepository) EnsureDevices(accountId int) ([]Device, error) {
	// Lazily create the default device row: unlocked and current.
	if _, err := db.conn.Exec(
		"INSERT INTO devices (account_id, kind, is_unlocked, is_current, created_at, updated_at) "+
			"VALUES ($1, $2, TRUE, TRUE, $3, $3) ON CONFLICT (account_id, kind) DO NOTHING",
		accountId, string(radio.DefaultKind), time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("ensure default device: %w", err)
	}

	rows, err := db.conn.Query(
		"SELECT id, account_id, kind, is_unlocked, is_current, created_at, updated_at "+
			"FROM devices WHERE account_id = $1 ORDER BY id",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.Id,
			&d.AccountId,
			&d.Kind,
			&d.IsUnlocked,
			&d.IsCurrent,
			&d.CreatedAt,
			&d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

// UnlockDevice deducts every resource cost and flips the unlock flag in one
// transaction. A crash or concurrent spend rolls back both effects.
func (db *PgCamplinkRepository) UnlockDevice(accountId int, kind string, costs []radio.ResourceCost) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, cost := range costs {
		res, err := tx.Exec(
			"UPDATE resources SET quantity = quantity - $3 "+
				"WHERE account_id = $1 AND resource = $2 AND quantity >= $3",
			accountId, cost.Resource, cost.Amount,
		)
		if err != nil {
			return fmt.Errorf("deduct %s: %w", cost.Resource, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInsufficientResources
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO devices (account_id, kind, is_unlocked, is_current, created_at, updated_at) "+
			"VALUES ($1, $2, TRUE, FALSE, $3, $3) "+
			"ON CONFLICT (account_id, kind) DO UPDATE SET is_unlocked = TRUE, updated_at = $3",
		accountId, kind, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("set unlocked: %w", err)
	}

	return tx.Commit()
}

// SetCurrentDevice swaps the current flag to kind. Exactly one device row is
// current per account when the transaction commits.
func (db *PgCamplinkRepository) SetCurrentDevice(accountId int, kind string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var unlocked bool
	err = tx.QueryRow(
		"SELECT is_unlocked FROM devices WHERE account_id = $1 AND kind = $2 FOR UPDATE",
		accountId, kind,
	).Scan(&unlocked)
	if err == sql.ErrNoRows || (err == nil && !unlocked) {
		return ErrDeviceNotUnlocked
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		"UPDATE devices SET is_current = FALSE, updated_at = $2 WHERE account_id = $1 AND is_current",
		accountId, now,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"UPDATE devices SET is_current = TRUE, updated_at = $3 WHERE account_id = $1 AND kind = $2",
		accountId, kind, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgCamplinkRepository) QuantityOf(accountId int, resource string) (int, error) {
	var quantity int
	err := db.conn.QueryRow(
		"SELECT COALESCE(SUM(quantity), 0) FROM resources WHERE account_id = $1 AND resource = $2",
		accountId, resource,
	).Scan(&quantity)

	return quantity, err
}

func (db *PgCamplinkRepository) OwnedTerritoryCount(accountId int) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM territories WHERE account_id = $1",
		accountId,
	).Scan(&count)

	return count, err
}
