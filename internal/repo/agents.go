package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"pepeunit/internal/db"
	"pepeunit/internal/domain"
)

const userColumns = `uuid,login,role,status,COALESCE(telegram_chat_id,''),create_datetime`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u       domain.User
		id      string
		created string
	)
	err := row.Scan(&id, &u.Login, &u.Role, &u.Status, &u.TelegramChatID, &created)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if u.UUID, err = uuid.Parse(id); err != nil {
		return u, err
	}
	u.CreateDatetime, err = parseTime(created)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO users(uuid,login,role,status,telegram_chat_id,create_datetime) VALUES (?,?,?,?,?,?)`,
		u.UUID.String(), u.Login, u.Role, u.Status, nullable(u.TelegramChatID), db.FormatTime(u.CreateDatetime))
	return conflict(err, "user %s already exists", u.Login)
}

func (r Repo) GetUser(ctx context.Context, id uuid.UUID) (domain.User, error) {
	return scanUser(r.q().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE uuid=?`, id.String()))
}

func (r Repo) GetUserByChatID(ctx context.Context, chatID string) (domain.User, error) {
	return scanUser(r.q().QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_chat_id=?`, chatID))
}

func (r Repo) UpdateUserStatus(ctx context.Context, id uuid.UUID, status domain.AgentStatus) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `UPDATE users SET status=? WHERE uuid=?`, status, id.String()))
}

func (r Repo) InsertRepo(ctx context.Context, rp domain.Repo) error {
	return r.InTx(ctx, func(tx Repo) error {
		_, err := tx.q().ExecContext(ctx, `INSERT INTO repos(uuid,name,visibility_level,creator_uuid,create_datetime) VALUES (?,?,?,?,?)`,
			rp.UUID.String(), rp.Name, rp.Visibility, rp.CreatorUUID.String(), db.FormatTime(rp.CreateDatetime))
		if err != nil {
			return conflict(err, "repo %s already exists", rp.UUID)
		}
		return tx.seedOwners(ctx, rp.Ref(), rp.CreateDatetime, domain.AgentRef{Type: domain.AgentTypeUser, UUID: rp.CreatorUUID})
	})
}

func (r Repo) GetRepo(ctx context.Context, id uuid.UUID) (domain.Repo, error) {
	var (
		rp               domain.Repo
		rid, creator, ts string
	)
	err := r.q().QueryRowContext(ctx, `SELECT uuid,name,visibility_level,creator_uuid,create_datetime FROM repos WHERE uuid=?`, id.String()).
		Scan(&rid, &rp.Name, &rp.Visibility, &creator, &ts)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	if err != nil {
		return rp, err
	}
	if rp.UUID, err = uuid.Parse(rid); err != nil {
		return rp, err
	}
	if rp.CreatorUUID, err = uuid.Parse(creator); err != nil {
		return rp, err
	}
	rp.CreateDatetime, err = parseTime(ts)
	return rp, err
}

// InsertUnit stores u and grants its creator and the unit itself access to it.
func (r Repo) InsertUnit(ctx context.Context, u domain.Unit) error {
	return r.InTx(ctx, func(tx Repo) error {
		_, err := tx.q().ExecContext(ctx, `INSERT INTO units(uuid,name,visibility_level,creator_uuid,repo_uuid,create_datetime) VALUES (?,?,?,?,?,?)`,
			u.UUID.String(), u.Name, u.Visibility, u.CreatorUUID.String(), nullableUUID(u.RepoUUID), db.FormatTime(u.CreateDatetime))
		if err != nil {
			return conflict(err, "unit %s already exists", u.Name)
		}
		return tx.seedOwners(ctx, u.Ref(), u.CreateDatetime,
			domain.AgentRef{Type: domain.AgentTypeUser, UUID: u.CreatorUUID},
			domain.AgentRef{Type: domain.AgentTypeUnit, UUID: u.UUID},
		)
	})
}

func (r Repo) GetUnit(ctx context.Context, id uuid.UUID) (domain.Unit, error) {
	var (
		u                domain.Unit
		uid, creator, ts string
		repoID           sql.NullString
	)
	err := r.q().QueryRowContext(ctx, `SELECT uuid,name,visibility_level,creator_uuid,repo_uuid,create_datetime FROM units WHERE uuid=?`, id.String()).
		Scan(&uid, &u.Name, &u.Visibility, &creator, &repoID, &ts)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if u.UUID, err = uuid.Parse(uid); err != nil {
		return u, err
	}
	if u.CreatorUUID, err = uuid.Parse(creator); err != nil {
		return u, err
	}
	if u.RepoUUID, err = parseNullUUID(repoID); err != nil {
		return u, err
	}
	u.CreateDatetime, err = parseTime(ts)
	return u, err
}

func (r Repo) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	return affectedOrNotFound(r.q().ExecContext(ctx, `DELETE FROM units WHERE uuid=?`, id.String()))
}
