package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

func TestAssess(t *testing.T) {
	tests := []struct {
		name       string
		evidence   []string
		completion string
		wantLevel  store.RiskLevel
		wantScore  int
		wantFw     []string
	}{
		{
			name:      "no evidence",
			wantLevel: store.RiskUnknown,
			wantScore: 0,
			wantFw:    []string{},
		},
		{
			name: "strong posture",
			evidence: []string{
				"Data is encrypted with AES-256 and TLS 1.2+. We hold SOC 2 Type II and ISO 27001 certifications.",
				"Multi-factor authentication is enforced. We run a bug bounty program.",
			},
			wantLevel: store.RiskLow,
			// 50 + min(6*5, 30) + 2*5
			wantScore: 90,
			wantFw:    []string{"ISO27001", "SOC2"},
		},
		{
			name:      "neutral text",
			evidence:  []string{"Our offices are located in Springfield."},
			wantLevel: store.RiskMedium,
			wantScore: 50,
			wantFw:    []string{},
		},
		{
			name:      "disclosed breach",
			evidence:  []string{"In 2023 a breach led to unauthorized access to customer records, which were exposed for two days."},
			wantLevel: store.RiskHigh,
			// 50 - 3*12
			wantScore: 14,
			wantFw:    []string{},
		},
		{
			name:       "stated risk can only raise severity",
			evidence:   []string{"Data is encrypted with AES-256. GDPR and HIPAA compliant."},
			completion: "Given the limited audit evidence this is MEDIUM RISK.",
			wantLevel:  store.RiskMedium,
			// 50 + 2*6 + 2*5
			wantScore: 72,
			wantFw:    []string{"GDPR", "HIPAA"},
		},
		{
			name:       "stated low risk does not soften",
			evidence:   []string{"A breach exposed customer data."},
			completion: "LOW RISK",
			wantLevel:  store.RiskHigh,
			wantScore:  26,
			wantFw:     []string{},
		},
		{
			name:      "breach notification commitment is not a breach",
			evidence:  []string{"We maintain an incident response plan and notify affected customers of any breach within 72 hours. Breach notification is tested annually."},
			wantLevel: store.RiskMedium,
			// 50 + incident response
			wantScore: 56,
			wantFw:    []string{},
		},
		{
			name:      "signals match whole words only",
			evidence:  []string{"Our utls fork speaks to the mssoc2x gateway over httpsso."},
			wantLevel: store.RiskMedium,
			wantScore: 50,
			wantFw:    []string{},
		},
		{
			name:      "unencrypted is a concern, not a control",
			evidence:  []string{"Nightly backups are stored unencrypted."},
			wantLevel: store.RiskHigh,
			// 50 + backup - no encryption
			wantScore: 44,
			wantFw:    []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assess(tt.evidence, tt.completion)
			assert.Equal(t, tt.wantLevel, got.Level)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.wantFw, got.Frameworks())
		})
	}
}

func TestAssess_IsDeterministic(t *testing.T) {
	ev := []string{"SOC 2, ISO 27001, GDPR, HIPAA, PCI DSS and CCPA. Encryption everywhere."}
	first := Assess(ev, "")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Assess(ev, ""))
	}
	assert.Len(t, first.Frameworks(), 6)
	// 50 + 6 + min(6*5, 20)
	assert.Equal(t, 76, first.Score)
}

func TestAssess_SignalLabels(t *testing.T) {
	a := Assess([]string{"In the event of a data breach we notify regulators. Credentials were leaked and stored in plaintext; SSO and MFA are optional."}, "")
	assert.Equal(t, []string{"multi-factor", "single sign-on"}, a.Positive)
	assert.Equal(t, []string{"leaked", "plaintext"}, a.Negative)
}

func TestAssessment_Summary(t *testing.T) {
	a := Assess([]string{"We are SOC 2 certified. A breach occurred in 2022."}, "")
	assert.Equal(t, "HIGH risk; compliance evidence: SOC2; concerns: breach", a.Summary())
	assert.Equal(t, "No published evidence to assess.", Assess(nil, "").Summary())
}
