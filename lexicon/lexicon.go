// Package lexicon maps the header terms seen on vendor timing grids to
// canonical field names. The table is a closed, case-sensitive constant
// covering the French, English, German, Italian, Spanish and Dutch
// variants observed across circuits; inference stays deterministic and
// explainable rather than regex-driven.
package lexicon

// Canonical field names. A circuit mapping's codomain is a subset of
// these plus whatever verbatim terms inference kept.
const (
	Position = "Position"
	Driver   = "Driver"
	Kart     = "Kart"
	LastLap  = "LastLap"
	BestLap  = "BestLap"
	Gap      = "Gap"
	Laps     = "Laps"
	Nation   = "Nation"
	Status   = "Status"
	Practice = "Practice"
	Session  = "Session"
	Time     = "Time"
	Team     = "Team"
)

var terms = map[string]string{
	// Position
	"Clt":        Position,
	"Pos":        Position,
	"Pos.":       Position,
	"Position":   Position,
	"Rk":         Position,
	"Rang":       Position,
	"Rank":       Position,
	"Classement": Position,
	"Posizione":  Position,
	"Posición":   Position,
	"Plaats":     Position,

	// Driver
	"Pilote":     Driver,
	"Driver":     Driver,
	"Fahrer":     Driver,
	"Pilota":     Driver,
	"Conducente": Driver,
	"Piloto":     Driver,
	"Rijder":     Driver,
	"Coureur":    Driver,

	// Kart
	"Kart":   Kart,
	"No":     Kart,
	"No.":    Kart,
	"Num":    Kart,
	"Number": Kart,
	"Nr":     Kart,
	"Nr.":    Kart,

	// Last lap
	"Dernier T.":   LastLap,
	"Dernier Tour": LastLap,
	"Last":         LastLap,
	"Last Time":    LastLap,
	"Last Lap":     LastLap,
	"Letzte":       LastLap,
	"Ultimo":       LastLap,
	"Laatste":      LastLap,

	// Best lap
	"Meilleur T.": BestLap,
	"Best":        BestLap,
	"Best Time":   BestLap,
	"Best Lap":    BestLap,
	"Beste":       BestLap,
	"Migliore":    BestLap,
	"Mejor":       BestLap,

	// Gap
	"Ecart":       Gap,
	"Écart":       Gap,
	"Gap":         Gap,
	"Abstand":     Gap,
	"Ritardo":     Gap,
	"Diferencia":  Gap,
	"Achterstand": Gap,

	// Laps
	"Tours":   Laps,
	"Tour":    Laps,
	"Laps":    Laps,
	"Lap":     Laps,
	"Runden":  Laps,
	"Giri":    Laps,
	"Vueltas": Laps,
	"Ronden":  Laps,

	// Nation
	"Nation":  Nation,
	"Country": Nation,
	"Land":    Nation,
	"Paese":   Nation,
	"País":    Nation,
	"Pays":    Nation,

	// Status. Grids render status columns with an empty header cell.
	"":       Status,
	"Statut": Status,
	"Status": Status,
	"Stato":  Status,
	"Estado": Status,

	// Practice
	"Essais":        Practice,
	"Practice":      Practice,
	"Training":      Practice,
	"Prove":         Practice,
	"Entrenamiento": Practice,

	// Session
	"Session":  Session,
	"Sessie":   Session,
	"Sesión":   Session,
	"Sessione": Session,

	// Time
	"Temps":  Time,
	"Time":   Time,
	"Zeit":   Time,
	"Tempo":  Time,
	"Tiempo": Time,
	"Tijd":   Time,

	// Team
	"Equipe":        Team,
	"Équipe":        Team,
	"Equipe/Pilote": Team,
	"Team":          Team,
	"Squadra":       Team,
	"Equipo":        Team,
	"Ploeg":         Team,
}

// Lookup resolves a header term to its canonical field name. Unknown
// terms are returned verbatim with ok=false so callers can keep them as
// field names while logging the miss.
func Lookup(term string) (field string, ok bool) {
	if f, hit := terms[term]; hit {
		return f, true
	}
	return term, false
}

// Canonical reports whether a field name belongs to the canonical set.
func Canonical(field string) bool {
	switch field {
	case Position, Driver, Kart, LastLap, BestLap, Gap, Laps,
		Nation, Status, Practice, Session, Time, Team:
		return true
	}
	return false
}
