// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist keeps the journal of already exported messages.
//
// The journal guards against double submission: a message stays UNREAD
// in Gmail when the label rewrite after a successful export fails, and
// the next cycle would otherwise create its lead a second time.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var createTableSql = []string{
	// The processed_messages table records every message this program
	// has fully handled.
	//
	// Field: message_id
	//
	//   GMail API: Users.messages resource "id" field.
	//
	// Field: lead
	//
	//   1 when the classifier accepted the message and a lead was
	//   committed to the CRM, 0 when it was rejected.
	//
	// Field: processed_at
	//
	//   Unix seconds of the moment the message finished its cycle.
	`
CREATE TABLE IF NOT EXISTS processed_messages (
message_id TEXT NOT NULL PRIMARY KEY,
lead INTEGER NOT NULL,
processed_at INTEGER NOT NULL
);`,
}

type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, logger zerolog.Logger) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	logger.Debug().Str("dsn", dsn).Msg("opening journal database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// IsProcessed reports whether the message already went through a full
// cycle, and if so what the classifier's verdict was back then.
func (db *DB) IsProcessed(ctx context.Context, messageID string) (processed, lead bool, err error) {
	query := `SELECT lead FROM processed_messages WHERE message_id = $1`
	var leadFlag int
	err = db.db.QueryRowContext(ctx, query, messageID).Scan(&leadFlag)
	if err == nil {
		return true, leadFlag != 0, nil
	}
	if errors.Cause(err) == sql.ErrNoRows {
		return false, false, nil
	}
	return false, false, errors.Wrapf(err, "journal lookup failed for message %q", messageID)
}

// MarkProcessed records the message and the classifier's verdict.
// Re-marking an already recorded message overwrites the old row.
func (db *DB) MarkProcessed(ctx context.Context, messageID string, lead bool) error {
	sql := `INSERT OR REPLACE INTO processed_messages
		(message_id, lead, processed_at) values ($1, $2, $3)`
	leadFlag := 0
	if lead {
		leadFlag = 1
	}
	if _, err := db.db.ExecContext(ctx, sql, messageID, leadFlag, time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "journal insert failed for message %q", messageID)
	}
	return nil
}
