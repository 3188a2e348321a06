package extract

import (
	"bytes"
	"sort"
	"strings"

	"github.com/blevesearch/vellum"
)

// verbEntry maps a verb stem to a relation type, adapted from
// pkg/scanner/narrative/narrative.go's VERB_ENTRIES table: the teacher's
// event-class/transitivity bookkeeping is dropped (not needed by the
// spec's relation extraction, which only asks for {source, type, target,
// fact}), keeping the stem -> SCREAMING_SNAKE_CASE relation type mapping.
type verbEntry struct {
	stem string
	rel  string
}

var verbEntries = []verbEntry{
	{"attack", "ATTACKS"}, {"battl", "FIGHTS"}, {"defeat", "DEFEATS"},
	{"duel", "FIGHTS"}, {"fight", "FIGHTS"}, {"fought", "FIGHTS"},
	{"kill", "KILLS"}, {"slay", "KILLS"}, {"wound", "ATTACKS"},
	{"approach", "ARRIVES"}, {"arriv", "ARRIVES"}, {"depart", "DEPARTS"},
	{"enter", "ARRIVES"}, {"exit", "DEPARTS"}, {"journey", "TRAVELS"},
	{"leav", "DEPARTS"}, {"sail", "TRAVELS"}, {"travel", "TRAVELS"}, {"visit", "ARRIVES"},
	{"conceal", "CONCEALS"}, {"discov", "DISCOVERS"}, {"find", "DISCOVERS"},
	{"hid", "CONCEALS"}, {"learn", "DISCOVERS"}, {"reveal", "REVEALS"}, {"uncover", "DISCOVERS"},
	{"becam", "BECOMES"}, {"became", "BECOMES"}, {"become", "BECOMES"}, {"transform", "BECOMES"},
	{"hear", "OBSERVES"}, {"heard", "OBSERVES"}, {"look", "OBSERVES"}, {"notic", "OBSERVES"},
	{"observ", "OBSERVES"}, {"saw", "OBSERVES"}, {"see", "OBSERVES"}, {"watch", "OBSERVES"}, {"witness", "OBSERVES"},
	{"give", "GIVES"}, {"own", "OWNS"}, {"steal", "STEALS"}, {"take", "TAKES"},
	{"caus", "CAUSES"}, {"enabl", "ENABLES"}, {"prevent", "PREVENTS"},
	{"accus", "ACCUSES"}, {"ask", "SPEAKS_TO"}, {"call", "SPEAKS_TO"}, {"claim", "SPEAKS_TO"},
	{"command", "RULES"}, {"explain", "SPEAKS_TO"}, {"mention", "MENTIONS"},
	{"promis", "PROMISES"}, {"said", "SPEAKS_TO"}, {"say", "SPEAKS_TO"}, {"shout", "SPEAKS_TO"},
	{"speak", "SPEAKS_TO"}, {"spoke", "SPEAKS_TO"}, {"state", "SPEAKS_TO"}, {"suggest", "SPEAKS_TO"},
	{"tell", "SPEAKS_TO"}, {"told", "SPEAKS_TO"}, {"threaten", "THREATENS"}, {"whisper", "SPEAKS_TO"}, {"yell", "SPEAKS_TO"},
	{"betray", "BETRAYS"}, {"deceiv", "DECEIVES"}, {"follow", "SERVES"}, {"help", "SAVES"},
	{"join", "ALLIES_WITH"}, {"serv", "SERVES"}, {"support", "ALLIES_WITH"},
	{"hat", "HATES"}, {"lov", "LOVES"}, {"trust", "ALLIES_WITH"},
	{"rescu", "SAVES"}, {"sav", "SAVES"}, {"encount", "MEETS"}, {"meet", "MEETS"},
	{"build", "CREATES"}, {"creat", "CREATES"}, {"destroy", "DESTROYS"}, {"make", "CREATES"},
	{"rul", "RULES"}, {"is", "IS"}, {"was", "IS"}, {"are", "IS"}, {"were", "IS"},
}

// verbLexicon maps verb stems to relation types via an FST, grounded on
// narrative.go's stem->event mapping, re-pointed at the real
// github.com/blevesearch/vellum package (the teacher's pkg/fst import has
// no corresponding published package; vellum exposes the identical
// Builder/Insert/Close/Load/Get/Len shape the teacher code already
// assumes).
type verbLexicon struct {
	fst *vellum.FST
}

func newVerbLexicon() (*verbLexicon, error) {
	sorted := make([]verbEntry, len(verbEntries))
	copy(sorted, verbEntries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].stem < sorted[j].stem })

	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, e := range sorted {
		if seen[e.stem] {
			continue
		}
		seen[e.stem] = true
		if err := builder.Insert([]byte(e.stem), packRel(e.rel)); err != nil {
			return nil, err
		}
	}
	if err := builder.Close(); err != nil {
		return nil, err
	}
	fst, err := vellum.Load(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return &verbLexicon{fst: fst}, nil
}

var relByIndex []string
var relIndex = map[string]uint64{}

func packRel(rel string) uint64 {
	if idx, ok := relIndex[rel]; ok {
		return idx
	}
	idx := uint64(len(relByIndex))
	relByIndex = append(relByIndex, rel)
	relIndex[rel] = idx
	return idx
}

func unpackRel(v uint64) string {
	if int(v) < len(relByIndex) {
		return relByIndex[v]
	}
	return ""
}

var verbSuffixes = []string{"ing", "ed", "es", "s", "er"}

func stemVerb(word string) string {
	lower := strings.ToLower(word)
	for _, suf := range verbSuffixes {
		if strings.HasSuffix(lower, suf) && len(lower) > len(suf)+2 {
			return lower[:len(lower)-len(suf)]
		}
	}
	return lower
}

// lookup returns the relation type for a verb, or "" if unknown.
func (l *verbLexicon) lookup(verb string) string {
	stem := stemVerb(verb)
	val, found, err := l.fst.Get([]byte(stem))
	if err != nil || !found {
		return ""
	}
	return unpackRel(val)
}
