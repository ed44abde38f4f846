package repository

import (
	"context"
	"database/sql"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ContainerRepository makes sure a destination folder exists before records
// are filed into it. Ensuring is idempotent and never modifies an existing
// container.
type ContainerRepository interface {
	EnsureContainer(ctx context.Context, containerID string) error
}

type containerRepository struct {
	db *sql.DB
}

func NewContainerRepository(db *sql.DB) ContainerRepository {
	return &containerRepository{db: db}
}

func (r *containerRepository) EnsureContainer(ctx context.Context, containerID string) error {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return pkgerrors.New("container id is required")
	}
	const query = `
		INSERT INTO ingest.containers (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, containerID); err != nil {
		return pkgerrors.Wrapf(err, "ensure container %s", containerID)
	}
	return nil
}
