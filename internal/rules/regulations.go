package rules

// Trigger keywords accepted on a validated alert.
const (
	TriggerActiveExploitation     = "active_exploitation"
	TriggerCriticalVulnerability  = "critical_vulnerability"
	TriggerVulnerabilityMgmt      = "vulnerability_management"
	TriggerPatchMgmt              = "patch_management"
	TriggerPersonalDataExposure   = "personal_data_exposure"
	TriggerDataBreach             = "data_breach"
	TriggerRansomware             = "ransomware"
	TriggerMalware                = "malware"
	TriggerICSOTThreat            = "ics_ot_threat"
	TriggerCriticalInfrastructure = "critical_infrastructure"
	TriggerSupplyChainCompromise  = "supply_chain_compromise"
	TriggerThirdPartyRisk         = "third_party_risk"
	TriggerServiceOutage          = "service_outage"
)

// AllowedTriggers is the closed trigger vocabulary, in canonical order.
var AllowedTriggers = []string{
	TriggerActiveExploitation,
	TriggerCriticalVulnerability,
	TriggerVulnerabilityMgmt,
	TriggerPatchMgmt,
	TriggerPersonalDataExposure,
	TriggerDataBreach,
	TriggerRansomware,
	TriggerMalware,
	TriggerICSOTThreat,
	TriggerCriticalInfrastructure,
	TriggerSupplyChainCompromise,
	TriggerThirdPartyRisk,
	TriggerServiceOutage,
}

// Framework names used as compliance map keys.
const (
	FrameworkNIS2     = "NIS2"
	FrameworkGDPR     = "GDPR"
	FrameworkDORA     = "DORA"
	FrameworkISO27001 = "ISO27001"
)

// Frameworks lists every framework the engine always reports on.
var Frameworks = []string{FrameworkNIS2, FrameworkGDPR, FrameworkDORA, FrameworkISO27001}

// Regulation is one entry of the static regulation database.
type Regulation struct {
	ID                string
	Framework         string
	Reference         string
	Title             string
	Triggers          []string
	ReportingRequired bool
	// DeadlineHours is zero when the text sets no fixed deadline.
	DeadlineHours int
	ActionItems   []string
}

// Regulations is the built-in regulation database.
var Regulations = []Regulation{
	{
		ID:        "nis2-art21",
		Framework: FrameworkNIS2,
		Reference: "NIS2 Art. 21",
		Title:     "Cybersecurity risk-management measures",
		Triggers: []string{
			TriggerCriticalVulnerability, TriggerVulnerabilityMgmt, TriggerPatchMgmt,
			TriggerSupplyChainCompromise, TriggerThirdPartyRisk, TriggerICSOTThreat,
		},
		ActionItems: []string{
			"Assess exposure of affected systems",
			"Apply patches or mitigations within the vulnerability-handling process",
		},
	},
	{
		ID:        "nis2-art23",
		Framework: FrameworkNIS2,
		Reference: "NIS2 Art. 23",
		Title:     "Reporting obligations",
		Triggers: []string{
			TriggerActiveExploitation, TriggerRansomware, TriggerDataBreach,
			TriggerServiceOutage, TriggerCriticalInfrastructure,
		},
		ReportingRequired: true,
		DeadlineHours:     24,
		ActionItems: []string{
			"Determine whether a significant incident occurred",
			"Send the early warning to the CSIRT or competent authority",
		},
	},
	{
		ID:          "gdpr-art32",
		Framework:   FrameworkGDPR,
		Reference:   "GDPR Art. 32",
		Title:       "Security of processing",
		Triggers:    []string{TriggerCriticalVulnerability, TriggerVulnerabilityMgmt, TriggerPatchMgmt},
		ActionItems: []string{"Verify that systems processing personal data are patched"},
	},
	{
		ID:                "gdpr-art33",
		Framework:         FrameworkGDPR,
		Reference:         "GDPR Art. 33",
		Title:             "Notification of a personal data breach to the supervisory authority",
		Triggers:          []string{TriggerPersonalDataExposure, TriggerDataBreach},
		ReportingRequired: true,
		DeadlineHours:     72,
		ActionItems:       []string{"Assess the breach risk and notify the supervisory authority"},
	},
	{
		ID:                "gdpr-art34",
		Framework:         FrameworkGDPR,
		Reference:         "GDPR Art. 34",
		Title:             "Communication of a personal data breach to the data subject",
		Triggers:          []string{TriggerPersonalDataExposure},
		ReportingRequired: true,
		ActionItems:       []string{"Inform affected data subjects when the risk is high"},
	},
	{
		ID:          "dora-art9",
		Framework:   FrameworkDORA,
		Reference:   "DORA Art. 9",
		Title:       "Protection and prevention",
		Triggers:    []string{TriggerCriticalVulnerability, TriggerVulnerabilityMgmt, TriggerPatchMgmt},
		ActionItems: []string{"Track remediation in the ICT risk-management framework"},
	},
	{
		ID:        "dora-art19",
		Framework: FrameworkDORA,
		Reference: "DORA Art. 19",
		Title:     "Reporting of major ICT-related incidents",
		Triggers: []string{
			TriggerActiveExploitation, TriggerRansomware, TriggerDataBreach, TriggerServiceOutage,
		},
		ReportingRequired: true,
		DeadlineHours:     24,
		ActionItems:       []string{"Classify the incident and file the initial notification"},
	},
	{
		ID:          "dora-art28",
		Framework:   FrameworkDORA,
		Reference:   "DORA Art. 28",
		Title:       "ICT third-party risk",
		Triggers:    []string{TriggerSupplyChainCompromise, TriggerThirdPartyRisk},
		ActionItems: []string{"Review contractual arrangements with the affected ICT provider"},
	},
	{
		ID:          "iso-a5-21",
		Framework:   FrameworkISO27001,
		Reference:   "ISO/IEC 27001:2022 A.5.21",
		Title:       "Managing information security in the ICT supply chain",
		Triggers:    []string{TriggerSupplyChainCompromise, TriggerThirdPartyRisk},
		ActionItems: []string{"Reassess supplier security controls"},
	},
	{
		ID:        "iso-a5-24",
		Framework: FrameworkISO27001,
		Reference: "ISO/IEC 27001:2022 A.5.24",
		Title:     "Information security incident management planning",
		Triggers: []string{
			TriggerActiveExploitation, TriggerRansomware, TriggerDataBreach,
			TriggerMalware, TriggerServiceOutage,
		},
		ActionItems: []string{"Activate the incident response procedure"},
	},
	{
		ID:          "iso-a5-34",
		Framework:   FrameworkISO27001,
		Reference:   "ISO/IEC 27001:2022 A.5.34",
		Title:       "Privacy and protection of PII",
		Triggers:    []string{TriggerPersonalDataExposure},
		ActionItems: []string{"Involve the data protection officer"},
	},
	{
		ID:          "iso-a8-7",
		Framework:   FrameworkISO27001,
		Reference:   "ISO/IEC 27001:2022 A.8.7",
		Title:       "Protection against malware",
		Triggers:    []string{TriggerMalware, TriggerRansomware},
		ActionItems: []string{"Update detection signatures and scan affected hosts"},
	},
	{
		ID:        "iso-a8-8",
		Framework: FrameworkISO27001,
		Reference: "ISO/IEC 27001:2022 A.8.8",
		Title:     "Management of technical vulnerabilities",
		Triggers: []string{
			TriggerCriticalVulnerability, TriggerVulnerabilityMgmt, TriggerPatchMgmt, TriggerICSOTThreat,
		},
		ActionItems: []string{"Record the vulnerability and schedule remediation"},
	},
}
