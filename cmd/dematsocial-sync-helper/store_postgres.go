// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation        = "23505"
	requetesDematSocialIDKey = "requetes_dematsocial_id_key"
	personneRoleDeclarant    = "DECLARANT"
	personneRoleParticipant  = "PARTICIPANT"
	databasePingTimeout      = 5 * time.Second
	databaseConnMaxLifetime  = 30 * time.Minute
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// createdCase is the result of a committed requête insert.
type createdCase struct {
	ID           string
	FunctionalID string
	Files        []AttachedFile
}

// postgresStore is the Postgres implementation of caseStore.
type postgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func newPostgresStore(db *sql.DB) *postgresStore {
	return &postgresStore{db: db, now: time.Now}
}

// openDatabase opens the connection pool and checks that the database is
// reachable.
func openDatabase(ctx context.Context, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(databaseConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, databasePingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// syncEnumValues upserts every catalog option into the enum_values code
// table, so that every code linked by a requête has a row.
func (s *postgresStore) syncEnumValues(ctx context.Context, values []enumValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO enum_values (enum_name, code, label)
		VALUES ($1, $2, $3)
		ON CONFLICT (enum_name, code) DO UPDATE
		SET label = EXCLUDED.label, updated_at = now()`

	for _, v := range values {
		if _, err := tx.ExecContext(ctx, query, v.Enum, v.Code, v.Label); err != nil {
			return fmt.Errorf("failed to upsert enum value %s/%s: %w", v.Enum, v.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enum values: %w", err)
	}
	return nil
}

// caseExistsByExternalID reports whether a requête was already imported for
// the dossier number.
func (s *postgresStore) caseExistsByExternalID(ctx context.Context, externalID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM requetes WHERE dematsocial_id = $1)`, externalID).Scan(&exists)
	if err != nil {
		return false, &persistenceError{Op: "check existing requête", Err: err}
	}
	return exists, nil
}

// createCase writes a requête and all of its children in one transaction.
// A requête that already exists for the dossier number is reported as
// errAlreadyImported.
func (s *postgresStore) createCase(ctx context.Context, source string, c *NormalizedCase) (*createdCase, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &persistenceError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	functionalID, err := generateFunctionalID(ctx, source, s.now().UTC(), txSequenceCounter{tx: tx})
	if err != nil {
		return nil, &persistenceError{Op: "generate functional id", Err: err}
	}

	created := &createdCase{
		ID:           newRowID(),
		FunctionalID: functionalID,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requetes (id, functional_id, dematsocial_id, source, reception_date, reception_type_id, catalog_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		created.ID, functionalID, c.ExternalID, source, c.ReceptionDate, c.ReceptionTypeID, c.CatalogVersion)
	if err != nil {
		return nil, storeError("insert requête", err)
	}

	if err := insertPersonne(ctx, tx, created.ID, declarantRow(c.Declarant)); err != nil {
		return nil, err
	}
	if c.Participant != nil {
		if err := insertPersonne(ctx, tx, created.ID, participantRow(c.Participant)); err != nil {
			return nil, err
		}
	}

	for i, situation := range c.Situations {
		files, err := insertSituation(ctx, tx, created.ID, i, situation)
		if err != nil {
			return nil, err
		}
		created.Files = append(created.Files, files...)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit requête", err)
	}
	return created, nil
}

// personneRow is one row of personnes_concernees.
type personneRow struct {
	role               string
	estVictime         bool
	identity           Identity
	ageID              *string
	estHandicape       *bool
	lienVictimeID      *string
	veutGarderAnonymat *bool
	estInformee        *bool
	adresse            *Address
}

func declarantRow(d Declarant) personneRow {
	return personneRow{
		role:               personneRoleDeclarant,
		estVictime:         d.EstVictime,
		identity:           d.Identity,
		ageID:              d.AgeID,
		estHandicape:       d.EstHandicape,
		lienVictimeID:      d.LienVictimeID,
		veutGarderAnonymat: d.VeutGarderAnonymat,
		adresse:            d.Adresse,
	}
}

func participantRow(p *Participant) personneRow {
	return personneRow{
		role:         personneRoleParticipant,
		estVictime:   true,
		identity:     p.Identity,
		ageID:        p.AgeID,
		estHandicape: p.EstHandicape,
		estInformee:  p.EstInformee,
		adresse:      p.Adresse,
	}
}

func insertPersonne(ctx context.Context, tx *sql.Tx, requeteID string, p personneRow) error {
	label, numero, rue, codePostal, ville := addressColumns(p.adresse)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO personnes_concernees (
			id, requete_id, role, est_victime, civilite_id, nom, prenom, email, telephone,
			age_id, est_handicape, lien_victime_id, veut_garder_anonymat, est_informee,
			adresse_label, adresse_numero, adresse_rue, adresse_code_postal, adresse_ville)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		newRowID(), requeteID, p.role, p.estVictime,
		p.identity.CiviliteID, p.identity.Nom, p.identity.Prenom, p.identity.Email, p.identity.Telephone,
		p.ageID, p.estHandicape, p.lienVictimeID, p.veutGarderAnonymat, p.estInformee,
		label, numero, rue, codePostal, ville)
	if err != nil {
		return storeError("insert "+p.role, err)
	}
	return nil
}

// insertSituation writes one situation and its children, and returns the
// files attached to its faits.
func insertSituation(ctx context.Context, tx *sql.Tx, requeteID string, position int, s Situation) ([]AttachedFile, error) {
	situationID := newRowID()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO situations (id, requete_id, position, is_primary) VALUES ($1, $2, $3, $4)`,
		situationID, requeteID, position, position == 0)
	if err != nil {
		return nil, storeError("insert situation", err)
	}

	lieu := s.LieuDeSurvenue
	label, numero, rue, codePostal, ville := addressColumns(lieu.Adresse)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lieux_de_survenue (
			id, situation_id, lieu_type_id, lieu_precision,
			adresse_label, adresse_numero, adresse_rue, adresse_code_postal, adresse_ville,
			code_postal, commune, code_insee, finess, transport_type_id, societe_transport)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		newRowID(), situationID, lieu.LieuTypeID, lieu.Precision,
		label, numero, rue, codePostal, ville,
		lieu.CodePostal, lieu.Commune, lieu.CodeInsee, lieu.Finess, lieu.TransportTypeID, lieu.SocieteTransport)
	if err != nil {
		return nil, storeError("insert lieu de survenue", err)
	}

	mec := s.MisEnCause
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mis_en_cause (id, situation_id, type_id, profession_id, rpps, commentaire)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		newRowID(), situationID, mec.TypeID, mec.ProfessionID, mec.Rpps, mec.Commentaire)
	if err != nil {
		return nil, storeError("insert mis en cause", err)
	}

	dem := s.DemarchesEngagees
	demarchesID := newRowID()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO demarches_engagees (
			id, situation_id, date_contact, etablissement_a_repondu, organisme, date_plainte, autorite_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		demarchesID, situationID, dem.DateContact, dem.EtablissementARepondu, dem.Organisme, dem.DatePlainte, dem.AutoriteID)
	if err != nil {
		return nil, storeError("insert démarches engagées", err)
	}
	if err := insertCodes(ctx, tx, "demarches_engagees_types", "demarches_engagees_id", demarchesID, dem.TypeIDs); err != nil {
		return nil, err
	}

	var files []AttachedFile
	for _, fait := range s.Faits {
		faitFiles, err := insertFait(ctx, tx, situationID, fait)
		if err != nil {
			return nil, err
		}
		files = append(files, faitFiles...)
	}
	return files, nil
}

func insertFait(ctx context.Context, tx *sql.Tx, situationID string, f Fait) ([]AttachedFile, error) {
	faitID := newRowID()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO faits (id, situation_id, date_debut, date_fin, commentaire)
		VALUES ($1, $2, $3, $4, $5)`,
		faitID, situationID, f.DateDebut, f.DateFin, f.Commentaire)
	if err != nil {
		return nil, storeError("insert fait", err)
	}

	if err := insertCodes(ctx, tx, "fait_motifs", "fait_id", faitID, f.MotifIDs); err != nil {
		return nil, err
	}
	if err := insertCodes(ctx, tx, "fait_consequences", "fait_id", faitID, f.ConsequenceIDs); err != nil {
		return nil, err
	}
	if err := insertCodes(ctx, tx, "fait_maltraitance_types", "fait_id", faitID, f.MaltraitanceTypeIDs); err != nil {
		return nil, err
	}

	for _, file := range f.Fichiers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fait_fichiers (id, fait_id, filename, url, content_type, byte_size, checksum)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			newRowID(), faitID, file.Filename, file.URL, file.ContentType, file.ByteSize, file.Checksum)
		if err != nil {
			return nil, storeError("insert fait fichier", err)
		}
	}
	return f.Fichiers, nil
}

// insertCodes links code table rows to a parent row. The table and column
// names are constants of this file.
func insertCodes(ctx context.Context, tx *sql.Tx, table, parentColumn, parentID string, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s, code) SELECT $1, unnest($2::text[])`, table, parentColumn)
	if _, err := tx.ExecContext(ctx, query, parentID, pq.Array(codes)); err != nil {
		return storeError("insert "+table, err)
	}
	return nil
}

func addressColumns(a *Address) (label, numero, rue, codePostal, ville *string) {
	if a == nil {
		return nil, nil, nil, nil, nil
	}
	return &a.Label, &a.Numero, &a.Rue, &a.CodePostal, &a.Ville
}

// storeError wraps a database error, mapping the unique violation on the
// dossier number to errAlreadyImported.
func storeError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == requetesDematSocialIDKey {
		return errAlreadyImported
	}
	return &persistenceError{Op: op, Err: err}
}

// newRowID returns a time-ordered row id.
func newRowID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
