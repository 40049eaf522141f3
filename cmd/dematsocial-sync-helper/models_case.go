// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"time"
)

//
// Normalized case models. Every *ID / *IDs field holds a catalog code, never
// a raw label from the form.
//

// NormalizedCase is a dossier mapped to the shape of a requête.
type NormalizedCase struct {
	ReceptionDate   time.Time
	ReceptionTypeID string
	ExternalID      int64
	CatalogVersion  string
	Declarant       Declarant
	Participant     *Participant
	Situations      []Situation
}

// Identity holds the identity and contact fields of a person.
type Identity struct {
	CiviliteID *string
	Nom        *string
	Prenom     *string
	Email      *string
	Telephone  *string
}

// Address is a complete postal address.
type Address struct {
	Label      string
	Numero     string
	Rue        string
	CodePostal string
	Ville      string
}

// Declarant is the person who filed the dossier. When EstVictime is set the
// declarant is also the victim and carries the victim's demographic fields.
type Declarant struct {
	Identity
	EstVictime         bool
	AgeID              *string
	EstHandicape       *bool
	Adresse            *Address
	LienVictimeID      *string
	VeutGarderAnonymat *bool
}

// Participant is the victim, when the declarant reports for someone else.
type Participant struct {
	Identity
	AgeID        *string
	EstHandicape *bool
	Adresse      *Address
	EstInformee  *bool
}

// Situation is one reported incident.
type Situation struct {
	LieuDeSurvenue    LieuDeSurvenue
	MisEnCause        MisEnCause
	DemarchesEngagees DemarchesEngagees
	Faits             []Fait
}

// LieuDeSurvenue is where the incident happened.
type LieuDeSurvenue struct {
	LieuTypeID       *string
	Precision        *string
	Adresse          *Address
	CodePostal       *string
	Commune          *string
	CodeInsee        *string
	Finess           *string
	TransportTypeID  *string
	SocieteTransport *string
}

// MisEnCause is the person or organisation the dossier is about.
type MisEnCause struct {
	TypeID       *string
	ProfessionID *string
	Rpps         *string
	Commentaire  *string
}

// DemarchesEngagees are the steps already taken by the declarant.
type DemarchesEngagees struct {
	TypeIDs               []string
	DateContact           *time.Time
	EtablissementARepondu *bool
	Organisme             *string
	DatePlainte           *time.Time
	AutoriteID            *string
}

// Fait describes what happened.
type Fait struct {
	MotifIDs            []string
	ConsequenceIDs      []string
	MaltraitanceTypeIDs []string
	DateDebut           *time.Time
	DateFin             *time.Time
	Commentaire         *string
	Fichiers            []AttachedFile
}

// AttachedFile is a file attached to a fait. The file itself stays on the
// remote platform until the scan worker downloads it.
type AttachedFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
	Checksum    string `json:"checksum"`
}
