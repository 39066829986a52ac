// Package sandbox generates synthetic HL7 ORU^R01 traffic for exercising the
// pipeline without a live feed. Generation is deterministic for a fixed seed,
// so reruns produce identical messages.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oncopulse/pulse/internal/platform/broker"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and destination of generated messages.
type SeedConfig struct {
	Messages int    `json:"messages"`
	Patients int    `json:"patients"`
	Seed     int64  `json:"seed"`
	Stream   string `json:"stream"`
	MaxLen   int64  `json:"maxLen"`
}

// DefaultSeedConfig returns a SeedConfig sized for a quick local demo.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Messages: 50,
		Patients: 5,
		Seed:     1,
		Stream:   "hl7:raw",
		MaxLen:   5000,
	}
}

// ---------------------------------------------------------------------------
// Data pools
// ---------------------------------------------------------------------------

type observationDef struct {
	Code    string
	Display string
	Unit    string
	Low     float64
	High    float64
}

var (
	givenNames = []string{
		"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
		"Linda", "David", "Elizabeth", "William", "Barbara", "Richard",
		"Susan", "Joseph", "Jessica", "Thomas", "Sarah", "Carmen", "Diego",
	}
	familyNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Garcia", "Miller", "Davis",
		"Rodriguez", "Martinez", "Hernandez", "Lopez", "Gonzalez", "Wilson",
		"Anderson", "Thomas", "Rivera", "Torres", "Nguyen", "Kim", "Silva",
	}
	facilities = []string{
		"MERCYLAB", "STLUKES", "VALLEYCARE", "NORTHLAB", "LAKESIDE",
	}

	// cbcPanel and cmpPanel are the two LOINC-coded result panels the
	// generator emits, with adult reference ranges.
	cbcPanel = []observationDef{
		{"718-7", "Hemoglobin", "g/dL", 12.0, 17.5},
		{"4544-3", "Hematocrit", "%", 36.0, 50.0},
		{"6690-2", "Leukocytes", "10*3/uL", 4.0, 11.0},
		{"777-3", "Platelets", "10*3/uL", 150, 400},
		{"789-8", "Erythrocytes", "10*6/uL", 4.0, 5.9},
	}
	cmpPanel = []observationDef{
		{"2345-7", "Glucose", "mg/dL", 70, 110},
		{"2160-0", "Creatinine", "mg/dL", 0.6, 1.3},
		{"3094-0", "Urea nitrogen", "mg/dL", 7, 20},
		{"2947-0", "Sodium", "mmol/L", 136, 145},
		{"6298-4", "Potassium", "mmol/L", 3.5, 5.1},
		{"1742-6", "Alanine aminotransferase", "U/L", 7, 56},
		{"17861-6", "Calcium", "mg/dL", 8.6, 10.3},
	}

	panelHeaders = map[string]string{
		"cbc": "58410-2^CBC panel - Blood by Automated count^LN",
		"cmp": "24323-8^Comprehensive metabolic panel^LN",
	}
)

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

// SyntheticPatient is one generated subject. MRN doubles as the PID-3
// identifier the pipeline matches on.
type SyntheticPatient struct {
	MRN    string
	SSN    string
	Family string
	Given  string
	DOB    string
	Sex    string
}

// Generator produces deterministic synthetic ORU^R01 messages.
type Generator struct {
	rng     *rand.Rand
	counter uint64
}

// NewGenerator returns a generator seeded for reproducibility. If seed is 0 a
// time-based seed is chosen.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) nextControlID() string {
	g.counter++
	return fmt.Sprintf("SEED%08X%04d", g.rng.Uint32(), g.counter)
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// GeneratePatients produces n distinct subjects with 6-digit MRNs.
func (g *Generator) GeneratePatients(n int) []SyntheticPatient {
	out := make([]SyntheticPatient, 0, n)
	seen := map[string]bool{}
	for len(out) < n {
		mrn := strconv.Itoa(100000 + g.rng.Intn(900000))
		if seen[mrn] {
			continue
		}
		seen[mrn] = true
		sex := "F"
		if g.rng.Intn(2) == 0 {
			sex = "M"
		}
		out = append(out, SyntheticPatient{
			MRN:    mrn,
			SSN:    fmt.Sprintf("%09d", 100000000+g.rng.Intn(900000000)),
			Family: g.pick(familyNames),
			Given:  g.pick(givenNames),
			DOB:    g.randomDOB(),
			Sex:    sex,
		})
	}
	return out
}

func (g *Generator) randomDOB() string {
	y := 1940 + g.rng.Intn(66)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d%02d%02d", y, m, d)
}

// MessageInfo describes one generated message for summary accounting.
type MessageInfo struct {
	ControlID    string
	Observations int
	Abnormal     int
	// EdgeCase names the deliberate irregularity injected into the message,
	// empty for a plain panel.
	EdgeCase string
}

// GenerateORU renders one ORU^R01 for the patient, observed at the given
// time. A minority of messages carry a deliberate irregularity: a TX note
// segment, a PID-3 with an extra SSN repetition, or an OBX with no code
// (which the normalizer dead-letters).
func (g *Generator) GenerateORU(p SyntheticPatient, at time.Time) (string, MessageInfo) {
	info := MessageInfo{ControlID: g.nextControlID()}
	ts := at.Format("20060102150405")
	facility := g.pick(facilities)

	panelKey := "cbc"
	panel := cbcPanel
	if g.rng.Intn(2) == 1 {
		panelKey = "cmp"
		panel = cmpPanel
	}

	switch roll := g.rng.Float64(); {
	case roll < 0.05:
		info.EdgeCase = "missing_code"
	case roll < 0.13:
		info.EdgeCase = "tx_note"
	case roll < 0.25:
		info.EdgeCase = "multi_rep_pid"
	}

	pid3 := p.MRN + "^^^" + facility + "^MR"
	if info.EdgeCase == "multi_rep_pid" {
		pid3 += "~" + p.SSN + "^^^" + facility + "^SSN"
	}

	segs := []string{
		"MSH|^~\\&|PULSEFEED|" + facility + "|PULSE|ONCOHUB|" + ts + "||ORU^R01|" + info.ControlID + "|P|2.5",
		"PID|1||" + pid3 + "||" + strings.ToUpper(p.Family) + "^" + p.Given + "||" + p.DOB + "|" + p.Sex,
		"OBR|1|||" + panelHeaders[panelKey] + "|||" + ts,
	}

	obxTS := ts
	if g.rng.Float64() < 0.15 {
		// Exercise the MSH-7 timestamp fallback.
		obxTS = ""
	}

	for i, def := range panel {
		value, flag := g.sampleValue(def)
		if flag != "" {
			info.Abnormal++
		}
		code := def.Code + "^" + def.Display + "^LN"
		if info.EdgeCase == "missing_code" && i == 0 {
			code = "^" + def.Display + "^LN"
		}
		segs = append(segs, fmt.Sprintf("OBX|%d|NM|%s||%s|%s|%s|%s|||F|||%s",
			i+1, code, value, def.Unit, referenceRange(def), flag, obxTS))
		info.Observations++
	}

	if info.EdgeCase == "tx_note" {
		segs = append(segs, fmt.Sprintf("OBX|%d|TX|48767-8^Annotation comment^LN||Specimen slightly hemolyzed||||||F",
			len(panel)+1))
		info.Observations++
	}

	return strings.Join(segs, "\r"), info
}

// sampleValue draws a result for the definition. Roughly one in five values
// lands outside the reference range and carries the matching H/L flag.
func (g *Generator) sampleValue(def observationDef) (string, string) {
	span := def.High - def.Low
	switch roll := g.rng.Float64(); {
	case roll < 0.10:
		v := def.High + span*(0.05+0.35*g.rng.Float64())
		return strconv.FormatFloat(v, 'f', 1, 64), "H"
	case roll < 0.20:
		v := def.Low - span*(0.05+0.30*g.rng.Float64())
		if v < 0 {
			v = def.Low * 0.5
		}
		return strconv.FormatFloat(v, 'f', 1, 64), "L"
	default:
		v := def.Low + span*g.rng.Float64()
		return strconv.FormatFloat(v, 'f', 1, 64), ""
	}
}

func referenceRange(def observationDef) string {
	return strconv.FormatFloat(def.Low, 'f', 1, 64) + "-" + strconv.FormatFloat(def.High, 'f', 1, 64)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// SeedResult summarizes one seeding run.
type SeedResult struct {
	Patients     int
	Messages     int
	Observations int
	Abnormal     int
	EdgeCases    int
}

// Summary renders the result as a one-line report for the CLI.
func (r *SeedResult) Summary() string {
	return fmt.Sprintf("seeded %d messages for %d patients (%d obx, %d abnormal, %d edge cases)",
		r.Messages, r.Patients, r.Observations, r.Abnormal, r.EdgeCases)
}

// Seeder appends generated messages to the raw stream in the same entry shape
// the feed ingestor uses, so the normalizer consumes them unchanged.
type Seeder struct {
	cfg    SeedConfig
	gen    *Generator
	broker *broker.Client
	logger zerolog.Logger
}

func NewSeeder(cfg SeedConfig, br *broker.Client, logger zerolog.Logger) *Seeder {
	if cfg.Messages <= 0 {
		cfg.Messages = DefaultSeedConfig().Messages
	}
	if cfg.Patients <= 0 {
		cfg.Patients = DefaultSeedConfig().Patients
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultSeedConfig().Stream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultSeedConfig().MaxLen
	}
	return &Seeder{
		cfg:    cfg,
		gen:    NewGenerator(cfg.Seed),
		broker: br,
		logger: logger.With().Str("component", "seeder").Logger(),
	}
}

// Run generates and appends every message, observation times stepping seven
// minutes apart from a fixed base so a given seed always yields the same
// stream content. It stops at the first broker failure.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	patients := s.gen.GeneratePatients(s.cfg.Patients)
	result := &SeedResult{Patients: len(patients)}

	at := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	for i := 0; i < s.cfg.Messages; i++ {
		p := patients[i%len(patients)]
		msg, info := s.gen.GenerateORU(p, at)
		at = at.Add(7 * time.Minute)

		fields := map[string]string{
			"message": msg,
			"source":  "seed",
			"id":      info.ControlID,
		}
		if _, err := s.broker.Append(ctx, s.cfg.Stream, fields, s.cfg.MaxLen); err != nil {
			return result, fmt.Errorf("seed append: %w", err)
		}

		result.Messages++
		result.Observations += info.Observations
		result.Abnormal += info.Abnormal
		if info.EdgeCase != "" {
			result.EdgeCases++
		}
	}

	s.logger.Info().Int("messages", result.Messages).Int("patients", result.Patients).
		Str("stream", s.cfg.Stream).Msg("seeding complete")
	return result, nil
}
