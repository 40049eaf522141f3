// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"fmt"
	"time"
)

// receptionTypeFormulaire is the reception type of requêtes imported from
// Démat Social.
const receptionTypeFormulaire = "FORMULAIRE"

// Semantic keys of the primary catalog.
const (
	keyEstVictime                  = "estVictime"
	keyDeclarantTelephone          = "declarantTelephone"
	keyDeclarantAge                = "declarantAge"
	keyDeclarantEstHandicape       = "declarantEstHandicape"
	keyDeclarantAdresse            = "declarantAdresse"
	keyDeclarantLienVictime        = "declarantLienVictime"
	keyDeclarantVeutGarderAnonymat = "declarantVeutGarderAnonymat"

	keyVictimeCivilite     = "victimeCivilite"
	keyVictimeNom          = "victimeNom"
	keyVictimePrenom       = "victimePrenom"
	keyVictimeEmail        = "victimeEmail"
	keyVictimeTelephone    = "victimeTelephone"
	keyVictimeAge          = "victimeAge"
	keyVictimeEstHandicape = "victimeEstHandicape"
	keyVictimeAdresse      = "victimeAdresse"
	keyVictimeEstInformee  = "victimeEstInformee"

	keyAutresFaits = "autresFaits"
)

// Semantic keys shared by the primary catalog and the autres faits
// sub-catalog.
const (
	keyLieuType         = "lieuType"
	keyLieuPrecision    = "lieuPrecision"
	keyLieuAdresse      = "lieuAdresse"
	keyLieuCommune      = "lieuCommune"
	keyLieuFiness       = "lieuFiness"
	keyTransportType    = "transportType"
	keyTransportSociete = "transportSociete"

	keyMisEnCauseType        = "misEnCauseType"
	keyMisEnCauseProfession  = "misEnCauseProfession"
	keyMisEnCauseRpps        = "misEnCauseRpps"
	keyMisEnCauseCommentaire = "misEnCauseCommentaire"

	keyDemarches                      = "demarches"
	keyDemarchesDateContact           = "demarchesDateContact"
	keyDemarchesEtablissementARepondu = "demarchesEtablissementARepondu"
	keyDemarchesOrganisme             = "demarchesOrganisme"
	keyDemarchesDatePlainte           = "demarchesDatePlainte"
	keyDemarchesAutorite              = "demarchesAutorite"

	keyMotifs            = "motifs"
	keyConsequences      = "consequences"
	keyMaltraitanceTypes = "maltraitanceTypes"
	keyFaitDateDebut     = "faitDateDebut"
	keyFaitDateFin       = "faitDateFin"
	keyFaitCommentaire   = "faitCommentaire"
	keyFaitFichiers      = "faitFichiers"
)

// situationFieldKeys must be present in both catalog levels.
var situationFieldKeys = []string{
	keyLieuType, keyLieuPrecision, keyLieuAdresse, keyLieuCommune, keyLieuFiness,
	keyTransportType, keyTransportSociete,
	keyMisEnCauseType, keyMisEnCauseProfession, keyMisEnCauseRpps, keyMisEnCauseCommentaire,
	keyDemarches, keyDemarchesDateContact, keyDemarchesEtablissementARepondu,
	keyDemarchesOrganisme, keyDemarchesDatePlainte, keyDemarchesAutorite,
	keyMotifs, keyConsequences, keyMaltraitanceTypes,
	keyFaitDateDebut, keyFaitDateFin, keyFaitCommentaire, keyFaitFichiers,
}

// primaryFieldKeys must be present in the primary catalog.
var primaryFieldKeys = append([]string{
	keyEstVictime, keyDeclarantTelephone, keyDeclarantAge, keyDeclarantEstHandicape,
	keyDeclarantAdresse, keyDeclarantLienVictime, keyDeclarantVeutGarderAnonymat,
	keyVictimeCivilite, keyVictimeNom, keyVictimePrenom, keyVictimeEmail,
	keyVictimeTelephone, keyVictimeAge, keyVictimeEstHandicape, keyVictimeAdresse,
	keyVictimeEstInformee,
	keyAutresFaits,
}, situationFieldKeys...)

// declarantIdentity is the identity block of the dossier's demandeur.
type declarantIdentity struct {
	Civilite *string
	Nom      *string
	Prenom   *string
	Email    *string
}

// identityFromDossier builds the declarant identity from the demandeur,
// falling back to the usager account email.
func identityFromDossier(d *Dossier) declarantIdentity {
	identity := declarantIdentity{
		Civilite: trimmedOrNil(d.Demandeur.Civilite),
		Nom:      trimmedOrNil(&d.Demandeur.Nom),
		Prenom:   trimmedOrNil(&d.Demandeur.Prenom),
		Email:    trimmedOrNil(d.Demandeur.Email),
	}
	if identity.Email == nil {
		identity.Email = trimmedOrNil(&d.Usager.Email)
	}
	return identity
}

// mapDossier maps the champs of a dossier to a NormalizedCase. The primary
// situation comes from the top-level champs and each instance of the autres
// faits group adds one more situation.
func mapDossier(cat *catalog, champs []Champ, externalID int64, receptionDate time.Time, identity declarantIdentity) (*NormalizedCase, error) {
	idx, err := indexChamps(champs)
	if err != nil {
		return nil, err
	}
	r := newChampResolver(cat, idx)

	estVictime, err := r.boolean(keyEstVictime)
	if err != nil {
		return nil, err
	}
	isVictim := estVictime != nil && *estVictime

	declarant, err := getDeclarant(r, identity, isVictim)
	if err != nil {
		return nil, fmt.Errorf("declarant: %w", err)
	}

	var participant *Participant
	if !isVictim {
		participant, err = getParticipant(r)
		if err != nil {
			return nil, fmt.Errorf("participant: %w", err)
		}
	}

	primary, err := getSituation(r)
	if err != nil {
		return nil, fmt.Errorf("situation 0: %w", err)
	}
	situations := []Situation{primary}

	additional, err := getAutresFaits(r)
	if err != nil {
		return nil, err
	}
	situations = append(situations, additional...)

	return &NormalizedCase{
		ReceptionDate:   receptionDate,
		ReceptionTypeID: receptionTypeFormulaire,
		ExternalID:      externalID,
		CatalogVersion:  cat.version,
		Declarant:       declarant,
		Participant:     participant,
		Situations:      situations,
	}, nil
}

// getAutresFaits builds one situation per instance of the repeatable group,
// resolved against the group's sub-catalog.
func getAutresFaits(r *champResolver) ([]Situation, error) {
	_, champ, err := r.lookup(keyAutresFaits)
	if err != nil {
		return nil, err
	}
	if champ == nil {
		return nil, nil
	}
	repetition, ok := champ.(*RepetitionChamp)
	if !ok {
		return nil, mappingError(keyAutresFaits, champ, "expected a RepetitionChamp")
	}

	sub, err := r.cat.group(keyAutresFaits)
	if err != nil {
		return nil, err
	}
	instances, err := splitRepetition(repetition.Champs)
	if err != nil {
		return nil, err
	}

	situations := make([]Situation, 0, len(instances))
	for i, instance := range instances {
		situation, err := getSituation(newChampResolver(sub, instance))
		if err != nil {
			return nil, fmt.Errorf("situation %d: %w", i+1, err)
		}
		situations = append(situations, situation)
	}
	return situations, nil
}

// getDeclarant builds the declarant. The declarant carries the victim's
// demographic fields when it is the victim, and its relation to the victim
// otherwise.
func getDeclarant(r *champResolver, identity declarantIdentity, isVictim bool) (Declarant, error) {
	d := Declarant{EstVictime: isVictim}

	civilite, err := resolveCivilite(r, identity.Civilite)
	if err != nil {
		return d, err
	}
	d.CiviliteID = civilite
	d.Nom = identity.Nom
	d.Prenom = identity.Prenom
	d.Email = identity.Email

	if d.Telephone, err = r.text(keyDeclarantTelephone); err != nil {
		return d, err
	}

	if isVictim {
		if d.AgeID, err = r.enumLenient(keyDeclarantAge); err != nil {
			return d, err
		}
		if d.EstHandicape, err = r.boolean(keyDeclarantEstHandicape); err != nil {
			return d, err
		}
		if d.Adresse, err = r.address(keyDeclarantAdresse); err != nil {
			return d, err
		}
		return d, nil
	}

	if d.LienVictimeID, err = r.enumLenient(keyDeclarantLienVictime); err != nil {
		return d, err
	}
	if d.VeutGarderAnonymat, err = r.boolean(keyDeclarantVeutGarderAnonymat); err != nil {
		return d, err
	}
	return d, nil
}

// resolveCivilite maps the demandeur civilité label to its code.
func resolveCivilite(r *champResolver, label *string) (*string, error) {
	if label == nil {
		return nil, nil
	}
	entry := r.cat.entry(keyVictimeCivilite)
	if entry == nil {
		return nil, &ChampMappingError{Field: keyVictimeCivilite, Reason: "field is not in the catalog"}
	}
	code, ok := matchOption(entry.options, *label)
	if !ok {
		return nil, nil
	}
	return &code, nil
}

// getParticipant builds the victim when the declarant reports for someone
// else.
func getParticipant(r *champResolver) (*Participant, error) {
	p := &Participant{}
	var err error

	if p.CiviliteID, err = r.enumLenient(keyVictimeCivilite); err != nil {
		return nil, err
	}
	if p.Nom, err = r.text(keyVictimeNom); err != nil {
		return nil, err
	}
	if p.Prenom, err = r.text(keyVictimePrenom); err != nil {
		return nil, err
	}
	if p.Email, err = r.text(keyVictimeEmail); err != nil {
		return nil, err
	}
	if p.Telephone, err = r.text(keyVictimeTelephone); err != nil {
		return nil, err
	}
	if p.AgeID, err = r.enumLenient(keyVictimeAge); err != nil {
		return nil, err
	}
	if p.EstHandicape, err = r.boolean(keyVictimeEstHandicape); err != nil {
		return nil, err
	}
	if p.Adresse, err = r.address(keyVictimeAdresse); err != nil {
		return nil, err
	}
	if p.EstInformee, err = r.boolean(keyVictimeEstInformee); err != nil {
		return nil, err
	}
	return p, nil
}

// getSituation builds one situation from the champs of r.
func getSituation(r *champResolver) (Situation, error) {
	var s Situation
	var err error

	if s.LieuDeSurvenue, err = getLieuDeSurvenue(r); err != nil {
		return s, err
	}
	if s.MisEnCause, err = getMisEnCause(r); err != nil {
		return s, err
	}
	if s.DemarchesEngagees, err = getDemarchesEngagees(r); err != nil {
		return s, err
	}
	fait, err := getFait(r)
	if err != nil {
		return s, err
	}
	s.Faits = []Fait{fait}
	return s, nil
}

func getLieuDeSurvenue(r *champResolver) (LieuDeSurvenue, error) {
	var l LieuDeSurvenue
	var err error

	if l.LieuTypeID, err = r.enumLenient(keyLieuType); err != nil {
		return l, err
	}
	if l.Precision, err = r.text(keyLieuPrecision); err != nil {
		return l, err
	}
	if l.Adresse, err = r.address(keyLieuAdresse); err != nil {
		return l, err
	}
	if l.CodePostal, l.Commune, l.CodeInsee, err = r.commune(keyLieuCommune); err != nil {
		return l, err
	}
	if l.Finess, err = r.text(keyLieuFiness); err != nil {
		return l, err
	}
	if l.TransportTypeID, err = r.enumLenient(keyTransportType); err != nil {
		return l, err
	}
	if l.SocieteTransport, err = r.text(keyTransportSociete); err != nil {
		return l, err
	}
	return l, nil
}

func getMisEnCause(r *champResolver) (MisEnCause, error) {
	var m MisEnCause
	var err error

	if m.TypeID, err = r.enumLenient(keyMisEnCauseType); err != nil {
		return m, err
	}
	if m.ProfessionID, err = r.enumLenient(keyMisEnCauseProfession); err != nil {
		return m, err
	}
	if m.Rpps, err = r.text(keyMisEnCauseRpps); err != nil {
		return m, err
	}
	if m.Commentaire, err = r.text(keyMisEnCauseCommentaire); err != nil {
		return m, err
	}
	return m, nil
}

func getDemarchesEngagees(r *champResolver) (DemarchesEngagees, error) {
	var d DemarchesEngagees
	var err error

	if d.TypeIDs, err = r.enumStrict(keyDemarches); err != nil {
		return d, err
	}
	if d.DateContact, err = r.date(keyDemarchesDateContact); err != nil {
		return d, err
	}
	if d.EtablissementARepondu, err = r.boolean(keyDemarchesEtablissementARepondu); err != nil {
		return d, err
	}
	if d.Organisme, err = r.text(keyDemarchesOrganisme); err != nil {
		return d, err
	}
	if d.DatePlainte, err = r.date(keyDemarchesDatePlainte); err != nil {
		return d, err
	}
	if d.AutoriteID, err = r.enumLenient(keyDemarchesAutorite); err != nil {
		return d, err
	}
	return d, nil
}

func getFait(r *champResolver) (Fait, error) {
	var f Fait
	var err error

	if f.MotifIDs, err = r.enumStrict(keyMotifs); err != nil {
		return f, err
	}
	if f.ConsequenceIDs, err = r.enumStrict(keyConsequences); err != nil {
		return f, err
	}
	if f.MaltraitanceTypeIDs, err = r.enumStrict(keyMaltraitanceTypes); err != nil {
		return f, err
	}
	if f.DateDebut, err = r.date(keyFaitDateDebut); err != nil {
		return f, err
	}
	if f.DateFin, err = r.date(keyFaitDateFin); err != nil {
		return f, err
	}
	if f.Commentaire, err = r.text(keyFaitCommentaire); err != nil {
		return f, err
	}
	if f.Fichiers, err = r.files(keyFaitFichiers); err != nil {
		return f, err
	}
	return f, nil
}
