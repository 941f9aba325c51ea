package compliance

import (
	"fmt"
	"time"
)

// Keys of the record data used by metrics
const (
	KeySuccess        = "success"
	KeyStatus         = "status"
	KeyPath           = "authenticationPath"
	KeyProcessingTime = "processingTime"
)

// Report constants
const (
	ReportVersion        = "1.0.0"
	TokenizationStandard = "EMV_TOKEN_SPEC_v2.0"
	MinSuccessRate       = 90.0
	RecentRecords        = 50
)

// Metrics are the tokenization statistics
type Metrics struct {
	SuccessRate             float64        `json:"tokenizationSuccessRate"`
	TotalTokenizations      int            `json:"totalTokenizations"`
	SuccessfulTokenizations int            `json:"successfulTokenizations"`
	PendingTokenizations    int            `json:"pendingTokenizations"`
	FailedTokenizations     int            `json:"failedTokenizations"`
	AverageProcessingTime   float64        `json:"averageProcessingTime"`
	RiskDistribution        map[string]int `json:"riskDistribution"`
}

// Calculate computes metrics over records. Success rate is the percent of successful
// responses among all tokenization responses (0 when there are no responses).
func Calculate(records []Record) Metrics {
	m := Metrics{RiskDistribution: map[string]int{"GREEN": 0, "YELLOW": 0, "RED": 0}}
	var totalTime int64
	for _, r := range records {
		switch r.Category {
		case TokenizationResponse:
			m.TotalTokenizations++
			switch {
			case r.Data[KeySuccess] == true:
				m.SuccessfulTokenizations++
			case r.Data[KeyStatus] == "PENDING":
				m.PendingTokenizations++
			default:
				m.FailedTokenizations++
			}
			if pt, ok := r.Data[KeyProcessingTime].(int64); ok {
				totalTime += pt
			}
		case RiskAssessment:
			if p, ok := r.Data[KeyPath].(string); ok {
				if _, known := m.RiskDistribution[p]; known {
					m.RiskDistribution[p]++
				}
			}
		}
	}
	if m.TotalTokenizations > 0 {
		m.SuccessRate = float64(m.SuccessfulTokenizations) / float64(m.TotalTokenizations) * 100
		m.AverageProcessingTime = float64(totalTime) / float64(m.TotalTokenizations)
	}
	return m
}

// Flags describe the implemented compliance features
type Flags struct {
	TokenizationStandard      string   `json:"tokenizationStandard"`
	RiskAssessmentImplemented bool     `json:"riskAssessmentImplemented"`
	IDVMethodsSupported       []string `json:"idvMethodsSupported"`
}

// Summary are the report totals
type Summary struct {
	TotalEvents             int `json:"totalEvents"`
	SuccessfulTokenizations int `json:"successfulTokenizations"`
	SecurityEvents          int `json:"securityEvents"`
	RiskAssessments         int `json:"riskAssessments"`
}

// Report is the compliance report for audit
type Report struct {
	Timestamp     time.Time `json:"reportTimestamp"`
	Version       string    `json:"reportVersion"`
	Compliance    Flags     `json:"compliance"`
	Compliant     bool      `json:"compliant"`
	Issues        []string  `json:"issues"`
	Metrics       Metrics   `json:"metrics"`
	RecentRecords []Record  `json:"recentLogs"`
	Summary       Summary   `json:"summary"`
}

// BuildReport makes the report: metrics over all records and the last 50 of them
func BuildReport(records []Record) Report {
	rep := Report{
		Timestamp: time.Now().UTC(),
		Version:   ReportVersion,
		Compliance: Flags{
			TokenizationStandard:      TokenizationStandard,
			RiskAssessmentImplemented: true,
			IDVMethodsSupported:       []string{"SMS_OTP", "EMAIL_OTP", "APP_TO_APP"},
		},
		Issues:  []string{},
		Metrics: Calculate(records),
	}
	for _, r := range records {
		switch r.Category {
		case SecurityEvent:
			rep.Summary.SecurityEvents++
		case RiskAssessment:
			rep.Summary.RiskAssessments++
		}
	}
	rep.Summary.TotalEvents = len(records)
	rep.Summary.SuccessfulTokenizations = rep.Metrics.SuccessfulTokenizations

	if rep.Metrics.TotalTokenizations > 0 && rep.Metrics.SuccessRate < MinSuccessRate {
		rep.Issues = append(rep.Issues, fmt.Sprintf("tokenization success rate %.2f%% is below the minimum %.0f%%",
			rep.Metrics.SuccessRate, MinSuccessRate))
	}
	rep.Compliant = len(rep.Issues) == 0

	if len(records) > RecentRecords {
		records = records[len(records)-RecentRecords:]
	}
	rep.RecentRecords = append([]Record{}, records...)
	return rep
}
