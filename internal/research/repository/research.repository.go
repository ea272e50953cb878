package repository

import (
	"database/sql"
	"errors"

	"creatorevolve/internal/research/model"
	"creatorevolve/pkg/logger"
)

type ResearchRepository struct {
	DB *sql.DB
}

func NewResearchRepository(db *sql.DB) *ResearchRepository {
	return &ResearchRepository{DB: db}
}

func (r *ResearchRepository) Create(res model.Research) error {
	_, err := r.DB.Exec(`INSERT INTO researches (id, name, owner_id, chat_id, document, updated_at) VALUES ($1, $2, $3, $4, $5, NOW())`,
		res.ID, res.Name, res.OwnerID, res.ChatID, res.Document)
	if err != nil {
		logger.Sugar.Errorf("Failed to create research: %v", err)
	}
	return err
}

func (r *ResearchRepository) Get(id string) (*model.Research, error) {
	var res model.Research
	err := r.DB.QueryRow(`SELECT id, name, owner_id, chat_id, document, updated_at FROM researches WHERE id = $1`, id).
		Scan(&res.ID, &res.Name, &res.OwnerID, &res.ChatID, &res.Document, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get research %s: %v", id, err)
		return nil, err
	}
	return &res, nil
}

func (r *ResearchRepository) GetOwnerID(id string) (string, error) {
	var ownerID string
	err := r.DB.QueryRow("SELECT owner_id FROM researches WHERE id = $1", id).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for research %s: %v", id, err)
	}
	return ownerID, err
}

func (r *ResearchRepository) GetCollaboratorRole(id, userID string) (string, error) {
	var role string
	err := r.DB.QueryRow("SELECT role FROM collaborators WHERE research_id = $1 AND user_id = $2", id, userID).Scan(&role)
	if err != nil && err != sql.ErrNoRows {
		logger.Sugar.Errorf("Failed to get collaborator role: %v", err)
	}
	return role, err
}

func (r *ResearchRepository) UpdateDocument(id, document string) error {
	_, err := r.DB.Exec(`UPDATE researches SET document = $1, updated_at = NOW() WHERE id = $2`, document, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to update document for research %s: %v", id, err)
	}
	return err
}

func (r *ResearchRepository) UpdateName(id, name string) (int64, error) {
	result, err := r.DB.Exec("UPDATE researches SET name = $1, updated_at = NOW() WHERE id = $2", name, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to rename research %s: %v", id, err)
		return 0, err
	}
	return result.RowsAffected()
}

func (r *ResearchRepository) Delete(id string) error {
	_, err := r.DB.Exec("DELETE FROM researches WHERE id = $1", id)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete research %s: %v", id, err)
	}
	return err
}

func (r *ResearchRepository) ListByUser(userID string) ([]model.Research, error) {
	query := `
		SELECT id, name, owner_id, chat_id, document, updated_at FROM researches WHERE owner_id = $1
		UNION
		SELECT r.id, r.name, r.owner_id, r.chat_id, r.document, r.updated_at FROM researches r JOIN collaborators c ON r.id = c.research_id WHERE c.user_id = $1
		ORDER BY updated_at DESC`
	rows, err := r.DB.Query(query, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list researches for user %s: %v", userID, err)
		return nil, err
	}
	defer rows.Close()

	var out []model.Research
	for rows.Next() {
		var res model.Research
		if err := rows.Scan(&res.ID, &res.Name, &res.OwnerID, &res.ChatID, &res.Document, &res.UpdatedAt); err != nil {
			logger.Sugar.Warnf("Skipping unreadable research row: %v", err)
			continue
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *ResearchRepository) GetUserByEmail(email string) (string, error) {
	var userID string
	err := r.DB.QueryRow("SELECT id FROM auth.users WHERE email = $1", email).Scan(&userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get user by email %s: %v", email, err)
	}
	return userID, err
}

func (r *ResearchRepository) AddCollaborator(id, userID, role string) error {
	_, err := r.DB.Exec(`INSERT INTO collaborators (research_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (research_id, user_id) DO UPDATE SET role = $3`, id, userID, role)
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to research %s: %v", userID, id, err)
	}
	return err
}

func (r *ResearchRepository) GetMembers(id string) ([]model.CollaboratorInfo, error) {
	query := `
		SELECT u.id, u.email, 'owner' as role FROM researches r JOIN auth.users u ON r.owner_id = u.id WHERE r.id = $1
		UNION ALL
		SELECT u.id, u.email, c.role FROM collaborators c JOIN auth.users u ON c.user_id = u.id WHERE c.research_id = $1
	`
	rows, err := r.DB.Query(query, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to get members for research %s: %v", id, err)
		return nil, err
	}
	defer rows.Close()

	members := []model.CollaboratorInfo{}
	for rows.Next() {
		var c model.CollaboratorInfo
		if err := rows.Scan(&c.ID, &c.Name, &c.Role); err == nil {
			members = append(members, c)
		}
	}
	return members, rows.Err()
}

func (r *ResearchRepository) CheckAccess(id, userID string) (bool, error) {
	var hasAccess bool
	err := r.DB.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM researches WHERE id = $1 AND owner_id = $2
			UNION
			SELECT 1 FROM collaborators WHERE research_id = $1 AND user_id = $2
		)`, id, userID).Scan(&hasAccess)
	if err != nil {
		logger.Sugar.Errorf("Failed to check access for user %s on research %s: %v", userID, id, err)
	}
	return hasAccess, err
}
