package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
)

// --- Phase 1: Configuration & Environment ---

type Config struct {
	Token          string
	GuildID        string
	DatabasePath   string
	CacheDir       string
	AdminIDs       []snowflake.ID
	QueueLimit     int
	CacheRetention time.Duration
	SweepInterval  time.Duration
	YoutubeProxy   string
	Silent         bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = ".tracks"
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	queueLimit := 10
	if v := os.Getenv("QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			queueLimit = n
		}
	}

	retention := 2 * time.Hour
	if v := os.Getenv("CACHE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			retention = d
		}
	}

	sweep := 1 * time.Hour
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			sweep = d
		}
	}

	var adminIDs []snowflake.ID
	if raw := os.Getenv("ADMIN_IDS"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := snowflake.Parse(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid ADMIN_IDS entry '%s': %w", part, err)
			}
			adminIDs = append(adminIDs, id)
		}
	}

	cfg := &Config{
		Token:          token,
		GuildID:        os.Getenv("GUILD_ID"),
		DatabasePath:   dbPath,
		CacheDir:       cacheDir,
		AdminIDs:       adminIDs,
		QueueLimit:     queueLimit,
		CacheRetention: retention,
		SweepInterval:  sweep,
		YoutubeProxy:   os.Getenv("YOUTUBE_PROXY"),
		Silent:         silent,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// --- Phase 2: Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			is_premium INTEGER DEFAULT 0,
			premium_until DATETIME,
			total_songs_played INTEGER DEFAULT 0,
			join_date DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS banned_users (
			user_id TEXT PRIMARY KEY,
			banned_by TEXT NOT NULL,
			reason TEXT,
			banned_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS song_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			song_title TEXT NOT NULL,
			song_url TEXT,
			duration INTEGER DEFAULT 0,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Phase 3: Infrastructure & Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Phase 4: Application Logic (Users & Premium) ---

type UserRecord struct {
	UserID           snowflake.ID
	Username         string
	FirstName        string
	IsPremium        bool
	PremiumUntil     time.Time
	TotalSongsPlayed int
	JoinDate         time.Time
}

// UpsertUser records a user on first contact and refreshes their display names.
func UpsertUser(ctx context.Context, userID snowflake.ID, username, firstName string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET username = excluded.username, first_name = excluded.first_name
	`, userID.String(), username, firstName)
	return err
}

// IsPremiumUser reports whether the user holds an unexpired premium grant.
// An expired grant is downgraded in the background; the caller always sees
// the post-expiry answer immediately, even if the write lags or fails.
func IsPremiumUser(ctx context.Context, userID snowflake.ID) (bool, error) {
	var isPremium int
	var until sql.NullTime
	err := DB.QueryRowContext(ctx,
		"SELECT is_premium, premium_until FROM users WHERE user_id = ?",
		userID.String()).Scan(&isPremium, &until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if isPremium == 0 {
		return false, nil
	}
	if !until.Valid || !until.Time.After(time.Now().UTC()) {
		// Downgrade off the hot path; the read already has its answer and
		// the hourly sweep catches anything this write misses.
		safeGo(func() {
			wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := DB.ExecContext(wctx,
				"UPDATE users SET is_premium = 0, premium_until = NULL WHERE user_id = ? AND is_premium = 1",
				userID.String()); err != nil {
				LogEntitlement("Lazy downgrade failed for %s: %v", userID, err)
			}
		})
		return false, nil
	}
	return true, nil
}

// GrantPremium sets the user's premium window to now+days. A fresh grant
// overwrites any remaining time rather than stacking onto it.
func GrantPremium(ctx context.Context, userID snowflake.ID, days int) (time.Time, error) {
	until := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
	_, err := DB.ExecContext(ctx, `
		INSERT INTO users (user_id, is_premium, premium_until) VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_premium = 1, premium_until = excluded.premium_until
	`, userID.String(), until)
	return until, err
}

// RevokeExpiredPremium bulk-downgrades every user whose grant has lapsed.
// Safe to run concurrently with lazy downgrades; both are idempotent.
func RevokeExpiredPremium(ctx context.Context) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		UPDATE users SET is_premium = 0, premium_until = NULL
		WHERE is_premium = 1 AND (premium_until IS NULL OR premium_until <= ?)
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func GetUser(ctx context.Context, userID snowflake.ID) (*UserRecord, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, is_premium, premium_until, total_songs_played, join_date
		FROM users WHERE user_id = ?
	`, userID.String())

	u := &UserRecord{}
	var idStr string
	var username, firstName sql.NullString
	var isPremium int
	var until sql.NullTime

	err := row.Scan(&idStr, &username, &firstName, &isPremium, &until, &u.TotalSongsPlayed, &u.JoinDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u.UserID, err = snowflake.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user ID '%s': %w", idStr, err)
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.IsPremium = isPremium == 1
	if until.Valid {
		u.PremiumUntil = until.Time
	}
	return u, nil
}

func GetAllUserIDs(ctx context.Context) ([]snowflake.ID, error) {
	rows, err := DB.QueryContext(ctx, "SELECT user_id FROM users")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := snowflake.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user ID '%s': %w", idStr, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Phase 5: Application Logic (Bans) ---

// BanUser records a ban. Re-banning updates the stored reason.
func BanUser(ctx context.Context, userID, bannedBy snowflake.ID, reason string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO banned_users (user_id, banned_by, reason) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET banned_by = excluded.banned_by, reason = excluded.reason, banned_at = CURRENT_TIMESTAMP
	`, userID.String(), bannedBy.String(), reason)
	return err
}

func UnbanUser(ctx context.Context, userID snowflake.ID) (bool, error) {
	res, err := DB.ExecContext(ctx, "DELETE FROM banned_users WHERE user_id = ?", userID.String())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// GetBanReason returns the stored reason and whether the user is banned.
func GetBanReason(ctx context.Context, userID snowflake.ID) (string, bool, error) {
	var reason sql.NullString
	err := DB.QueryRowContext(ctx, "SELECT reason FROM banned_users WHERE user_id = ?", userID.String()).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason.String, true, nil
}

// --- Phase 6: Application Logic (Play History & Stats) ---

// RecordPlayback appends to the play history and bumps the requester's counter.
func RecordPlayback(ctx context.Context, chatID, userID snowflake.ID, title, url string, duration time.Duration) error {
	if _, err := DB.ExecContext(ctx, `
		INSERT INTO song_history (chat_id, user_id, song_title, song_url, duration)
		VALUES (?, ?, ?, ?, ?)
	`, chatID.String(), userID.String(), title, url, int64(duration.Seconds())); err != nil {
		return err
	}
	_, err := DB.ExecContext(ctx,
		"UPDATE users SET total_songs_played = total_songs_played + 1 WHERE user_id = ?",
		userID.String())
	return err
}

type BotStats struct {
	TotalUsers   int
	PremiumUsers int
	BannedUsers  int
	SongsPlayed  int
}

func GetBotStats(ctx context.Context) (*BotStats, error) {
	s := &BotStats{}
	if err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&s.TotalUsers); err != nil {
		return nil, err
	}
	if err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE is_premium = 1").Scan(&s.PremiumUsers); err != nil {
		return nil, err
	}
	if err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM banned_users").Scan(&s.BannedUsers); err != nil {
		return nil, err
	}
	if err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM song_history").Scan(&s.SongsPlayed); err != nil {
		return nil, err
	}
	return s, nil
}
