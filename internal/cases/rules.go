// Package cases implements the case lifecycle: creation with checklist
// seeding, checklist-driven status derivation, escalation and the decision
// operations, each of which lands in the append-only decision log.
package cases

import "github.com/vendornexus/backend/internal/database"

// Evidence types referenced by the checklist rules.
const (
	EvidenceBankLetter     = "bank_letter"
	EvidenceTaxCertificate = "tax_certificate"
	EvidenceComplianceDoc  = "compliance_doc"
	EvidenceInvoicePDF     = "invoice_pdf"
	EvidencePOReference    = "po_reference"
	EvidenceGRNReference   = "grn_reference"
	EvidenceRemittance     = "remittance_advice"
	EvidenceBankLetterNew  = "bank_letter_new"
	EvidenceAuthorization  = "authorization_letter"
	EvidenceSignedContract = "signed_contract"
)

// ChecklistRule is one required evidence item for a case type.
type ChecklistRule struct {
	EvidenceType string
	Label        string
}

// checklistRules is the fixed registry of required evidence per case type.
// A case type missing here cannot be created.
var checklistRules = map[string][]ChecklistRule{
	database.CaseOnboarding: {
		{EvidenceBankLetter, "Bank letter"},
		{EvidenceTaxCertificate, "Tax certificate"},
		{EvidenceComplianceDoc, "Compliance document"},
	},
	database.CaseInvoice: {
		{EvidenceInvoicePDF, "Invoice PDF"},
		{EvidencePOReference, "PO reference"},
		{EvidenceGRNReference, "GRN reference"},
	},
	database.CasePayment: {
		{EvidenceRemittance, "Remittance advice"},
	},
	database.CaseBankChange: {
		{EvidenceBankLetterNew, "Bank letter (new account)"},
		{EvidenceAuthorization, "Authorization letter"},
	},
	database.CaseContract: {
		{EvidenceSignedContract, "Signed contract"},
	},
	database.CaseCompliance: {
		{EvidenceComplianceDoc, "Compliance document"},
	},
	database.CaseGeneral: {},
}

// RulesFor returns the checklist rules for a case type and whether the type
// is known.
func RulesFor(caseType string) ([]ChecklistRule, bool) {
	rules, ok := checklistRules[caseType]
	return rules, ok
}

// vendorCreatable lists the case types a vendor context may open: its
// dispute and query surface. Everything else is opened by the client side.
var vendorCreatable = map[string]bool{
	database.CaseGeneral:    true,
	database.CaseInvoice:    true,
	database.CasePayment:    true,
	database.CaseBankChange: true,
}

// defaultOwnerTeam routes a fresh case to the team that works its type.
func defaultOwnerTeam(caseType string) string {
	switch caseType {
	case database.CaseInvoice, database.CasePayment:
		return database.TeamAP
	case database.CaseBankChange:
		return database.TeamFinance
	default:
		return database.TeamProcurement
	}
}
