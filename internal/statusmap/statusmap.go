// Package statusmap turns external status and reason codes into the
// internal status, malfunction text, equipment type and section.
//
// Every lookup is total: unknown input falls back to a default and is
// reported through Result.Defaulted instead of an error.
package statusmap

import (
	"sort"
	"strings"

	"fleetwatch/internal/config"
	"fleetwatch/internal/domain"
)

const (
	DefaultSection = "general"
	DefaultType    = "Прочее"
	defaultText    = "Неисправность"
)

var defaultStatusCodes = map[int64]domain.Status{
	100: domain.StatusReady,
	110: domain.StatusReady,
	200: domain.StatusStandby,
	210: domain.StatusStandby,
	300: domain.StatusDown,
	331: domain.StatusDown,
	332: domain.StatusDown,
	340: domain.StatusDown,
	400: domain.StatusDelay,
	410: domain.StatusDelay,
	500: domain.StatusShiftchange,
}

// Hundreds band of a status code when the exact code is not listed.
var defaultStatusBands = map[int64]domain.Status{
	1: domain.StatusReady,
	2: domain.StatusStandby,
	3: domain.StatusDown,
	4: domain.StatusDelay,
	5: domain.StatusShiftchange,
}

var defaultReasonTexts = map[string]string{
	"ENGINE":       "Ремонт двигателя",
	"HYDRAULIC":    "Ремонт гидравлики",
	"ELECTRIC":     "Ремонт электрооборудования",
	"TIRES":        "Замена шин",
	"TRANSMISSION": "Ремонт трансмиссии",
	"BRAKES":       "Ремонт тормозной системы",
	"PM":           "Плановое ТО",
	"WELDING":      "Сварочные работы",
	"BUCKET":       "Ремонт ковша",
	"DRILL":        "Ремонт бурового става",
}

var defaultReasonSections = map[string]string{
	"ELECTRIC": "electrical",
	"TIRES":    "tire_shop",
	"WELDING":  "welding",
}

var defaultTypePrefixes = map[string]string{
	"EX":    "Экскаватор",
	"HT":    "Самосвал",
	"CAT":   "Самосвал",
	"BELAZ": "Самосвал",
	"DZ":    "Бульдозер",
	"DR":    "Буровой станок",
	"GR":    "Автогрейдер",
	"LD":    "Погрузчик",
	"WT":    "Поливочная машина",
}

var defaultTypeSections = map[string]string{
	"Экскаватор":        "loading",
	"Погрузчик":         "loading",
	"Самосвал":          "haulage",
	"Поливочная машина": "haulage",
	"Буровой станок":    "drilling",
	"Бульдозер":         "auxiliary",
	"Автогрейдер":       "auxiliary",
}

// Result is the mapped view of one external record.
type Result struct {
	Status        domain.Status
	Malfunction   string
	EquipmentType string
	Section       string
	// Defaulted is set when the status or reason code was not recognized.
	Defaulted bool
}

// Mapper holds the mapping tables. The zero value is not usable; use New.
type Mapper struct {
	statusCodes    map[int64]domain.Status
	reasonTexts    map[string]string
	reasonSections map[string]string
	typeSections   map[string]string
	prefixes       []typePrefix
}

type typePrefix struct {
	prefix string
	kind   string
}

// New builds a Mapper from the built-in tables with overrides applied.
func New(overrides config.MappingConfig) *Mapper {
	m := &Mapper{
		statusCodes:    make(map[int64]domain.Status, len(defaultStatusCodes)),
		reasonTexts:    make(map[string]string, len(defaultReasonTexts)),
		reasonSections: make(map[string]string, len(defaultReasonSections)),
		typeSections:   make(map[string]string, len(defaultTypeSections)),
	}
	for k, v := range defaultStatusCodes {
		m.statusCodes[k] = v
	}
	for code, name := range overrides.StatusCodes {
		if st, ok := domain.ParseStatus(name); ok {
			m.statusCodes[int64(code)] = st
		}
	}
	for k, v := range defaultReasonTexts {
		m.reasonTexts[k] = v
	}
	for k, v := range overrides.ReasonTexts {
		m.reasonTexts[normalizeReason(k)] = strings.TrimSpace(v)
	}
	for k, v := range defaultReasonSections {
		m.reasonSections[k] = v
	}
	for k, v := range overrides.ReasonSections {
		m.reasonSections[normalizeReason(k)] = strings.TrimSpace(v)
	}
	for k, v := range defaultTypeSections {
		m.typeSections[k] = v
	}
	for k, v := range overrides.TypeSections {
		m.typeSections[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	prefixes := make(map[string]string, len(defaultTypePrefixes))
	for k, v := range defaultTypePrefixes {
		prefixes[k] = v
	}
	for k, v := range overrides.TypePrefixes {
		prefixes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	for p, kind := range prefixes {
		m.prefixes = append(m.prefixes, typePrefix{prefix: p, kind: kind})
	}
	// longest prefix wins
	sort.Slice(m.prefixes, func(i, j int) bool {
		if len(m.prefixes[i].prefix) != len(m.prefixes[j].prefix) {
			return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
		}
		return m.prefixes[i].prefix < m.prefixes[j].prefix
	})
	return m
}

// Map converts one external record.
func (m *Mapper) Map(rec domain.ExternalRecord) Result {
	status, statusKnown := m.Status(rec.StatusID)
	eqType := m.EquipmentType(rec.EquipmentName)
	reason := normalizeReason(rec.Reason)
	res := Result{
		Status:        status,
		EquipmentType: eqType,
		Section:       m.Section(reason, eqType),
		Defaulted:     !statusKnown,
	}
	if status == domain.StatusDown {
		text, ok := m.reasonTexts[reason]
		if !ok {
			res.Defaulted = true
			text = defaultText
			if reason != "" {
				text = defaultText + ": " + reason
			}
		}
		if c := strings.TrimSpace(rec.Comment); c != "" {
			text = text + " (" + c + ")"
		}
		res.Malfunction = text
	}
	return res
}

// Status resolves a status code. The bool is false when Down was chosen as the fallback.
func (m *Mapper) Status(code int64) (domain.Status, bool) {
	if st, ok := m.statusCodes[code]; ok {
		return st, true
	}
	if code > 0 {
		if st, ok := defaultStatusBands[code/100]; ok {
			return st, true
		}
	}
	return domain.StatusDown, false
}

// EquipmentType derives the type from the unit name.
func (m *Mapper) EquipmentType(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, p := range m.prefixes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.kind
		}
	}
	return DefaultType
}

// Section picks the reason section, then the type section, then DefaultSection.
func (m *Mapper) Section(reason, equipmentType string) string {
	if s, ok := m.reasonSections[normalizeReason(reason)]; ok && s != "" {
		return s
	}
	if s, ok := m.typeSections[equipmentType]; ok && s != "" {
		return s
	}
	return DefaultSection
}

// ReasonText returns the malfunction text for a reason code, if known.
func (m *Mapper) ReasonText(reason string) (string, bool) {
	t, ok := m.reasonTexts[normalizeReason(reason)]
	return t, ok
}

func normalizeReason(r string) string {
	return strings.ToUpper(strings.TrimSpace(r))
}
