// Package commandrouter holds the canonical, MUST-be-preserved mapping
// from an outbox row's commandType to a chaincode (contract, function,
// args) triple, plus the identity role each commandType submits under.
// Every new commandType requires exactly one entry here and nowhere else.
package commandrouter

import (
	"encoding/json"
	"fmt"
)

// Identity is the wallet role a command submits under.
type Identity string

// The three wallet roles commands submit under, matching the stable wallet
// paths.
const (
	IdentitySuperAdmin Identity = "org1-super-admin"
	IdentityAdmin      Identity = "org1-admin"
	IdentityPartnerAPI Identity = "org1-partner-api"
)

// Invocation is the resolved chaincode call for one outbox command.
type Invocation struct {
	Contract string
	Function string
	Args     []string
}

// Route is everything the submitter needs to dispatch one commandType:
// which identity submits it and how to build the chaincode invocation
// from its JSON payload.
type Route struct {
	Identity Identity
	Build    func(payload []byte) (Invocation, error)
}

// ErrUnknownCommand is returned for a commandType with no registered route.
type ErrUnknownCommand struct {
	CommandType string
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("commandrouter: no route registered for command type %q", e.CommandType)
}

// Resolve looks up the route for commandType and builds its invocation
// from payload. It is the only place in the system that knows how an
// outbox row becomes a chaincode call.
func Resolve(commandType string, payload []byte) (Identity, Invocation, error) {
	route, ok := routes[commandType]
	if !ok {
		return "", Invocation{}, &ErrUnknownCommand{CommandType: commandType}
	}
	inv, err := route.Build(payload)
	if err != nil {
		return "", Invocation{}, fmt.Errorf("commandrouter: %s: %w", commandType, err)
	}
	return route.Identity, inv, nil
}

// --- payload shapes -------------------------------------------------

type createUserPayload struct {
	UserID        string `json:"userId"`
	BiometricHash string `json:"biometricHash"`
	CountryCode   string `json:"countryCode"`
	Age           int    `json:"age"`
}

type transferTokensPayload struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	TxTypeHint     string `json:"txTypeHint"`
	Remark         string `json:"remark"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type distributeGenesisPayload struct {
	UserID      string `json:"userId"`
	CountryCode string `json:"countryCode"`
}

// countryAllocationIncoming is the shape producers are observed to emit;
// it carries a human-readable name that InitializeCountryData does not
// accept and must be dropped during re-shaping.
type countryAllocationIncoming struct {
	CountryCode string `json:"countryCode"`
	Name        string `json:"name,omitempty"`
	Percentage  string `json:"percentage"`
}

type countryAllocationOutgoing struct {
	CountryCode string `json:"countryCode"`
	Percentage  string `json:"percentage"`
}

type initializeCountryDataPayload struct {
	Allocations []countryAllocationIncoming `json:"allocations"`
}

type applyVelocityTaxPayload struct {
	AccountID string `json:"accountId"`
	TaxRateBP int    `json:"taxRateBps"`
}

type freezeWalletPayload struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

type appointAdminPayload struct {
	AdminUserID string `json:"adminUserId"`
}

type activateTreasuryPayload struct {
	TreasuryAccountID string `json:"treasuryAccountId"`
}

type bootstrapSystemPayload struct {
	GenesisParametersJSON string `json:"genesisParametersJson"`
}

type updateSystemParameterPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type proposeOrganizationPayload struct {
	OrgID         string `json:"orgId"`
	Name          string `json:"name"`
	FounderUserID string `json:"founderUserId"`
}

type endorseMembershipPayload struct {
	OrgID     string `json:"orgId"`
	MemberID  string `json:"memberId"`
	EndorsedBy string `json:"endorsedBy"`
}

type activateOrganizationPayload struct {
	OrgID string `json:"orgId"`
}

type defineAuthRulePayload struct {
	OrgID         string `json:"orgId"`
	RuleJSON      string `json:"ruleJson"`
}

type initiateMultiSigTxPayload struct {
	OrgID      string `json:"orgId"`
	PayloadRef string `json:"payloadRef"`
}

type approveMultiSigTxPayload struct {
	OrgID  string `json:"orgId"`
	TxID   string `json:"txId"`
	Signer string `json:"signer"`
}

type applyForLoanPayload struct {
	UserID string `json:"userId"`
	Amount string `json:"amount"`
	PoolID string `json:"poolId"`
}

type approveLoanPayload struct {
	LoanID string `json:"loanId"`
}

type submitProposalPayload struct {
	ProposerID    string `json:"proposerId"`
	ProposalJSON  string `json:"proposalJson"`
}

type voteOnProposalPayload struct {
	ProposalID string `json:"proposalId"`
	VoterID    string `json:"voterId"`
	Support    bool   `json:"support"`
}

type executeProposalPayload struct {
	ProposalID string `json:"proposalId"`
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// routes is the canonical, flat commandType -> route table. It is
// intentionally a single map so every command's identity and chaincode
// shape are visible side by side.
var routes = map[string]Route{
	"CREATE_USER": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[createUserPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "IdentityContract",
				Function: "CreateUser",
				Args:     []string{p.UserID, p.BiometricHash, p.CountryCode, fmt.Sprint(p.Age)},
			}, nil
		},
	},
	"TRANSFER_TOKENS": {
		Identity: IdentityAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[transferTokensPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "TokenomicsContract",
				Function: "TransferWithFees",
				Args:     []string{p.From, p.To, p.Amount, p.TxTypeHint, p.Remark, p.IdempotencyKey},
			}, nil
		},
	},
	"DISTRIBUTE_GENESIS": {
		Identity: IdentityAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[distributeGenesisPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "TokenomicsContract",
				Function: "DistributeGenesis",
				Args:     []string{p.UserID, p.CountryCode},
			}, nil
		},
	},
	"FREEZE_WALLET": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[freezeWalletPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "TokenomicsContract",
				Function: "FreezeWallet",
				Args:     []string{p.AccountID, p.Reason},
			}, nil
		},
	},
	"UNFREEZE_WALLET": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[freezeWalletPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "TokenomicsContract",
				Function: "UnfreezeWallet",
				Args:     []string{p.AccountID, p.Reason},
			}, nil
		},
	},
	"INITIALIZE_COUNTRY_DATA": {
		Identity: IdentitySuperAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[initializeCountryDataPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			reshaped := make([]countryAllocationOutgoing, 0, len(p.Allocations))
			for _, a := range p.Allocations {
				reshaped = append(reshaped, countryAllocationOutgoing{
					CountryCode: a.CountryCode,
					Percentage:  a.Percentage,
				})
			}
			encoded, err := json.Marshal(reshaped)
			if err != nil {
				return Invocation{}, fmt.Errorf("reshape country allocations: %w", err)
			}
			return Invocation{
				Contract: "AdminContract",
				Function: "InitializeCountryData",
				Args:     []string{string(encoded)},
			}, nil
		},
	},
	"APPLY_VELOCITY_TAX": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[applyVelocityTaxPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "TaxAndFeeContract",
				Function: "ApplyVelocityTax",
				Args:     []string{p.AccountID, fmt.Sprint(p.TaxRateBP)},
			}, nil
		},
	},
	"APPOINT_ADMIN": {
		Identity: IdentityAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[appointAdminPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "AdminContract",
				Function: "AppointAdmin",
				Args:     []string{p.AdminUserID},
			}, nil
		},
	},
	"ACTIVATE_TREASURY": {
		Identity: IdentityAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[activateTreasuryPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "AdminContract",
				Function: "ActivateTreasuryAccount",
				Args:     []string{p.TreasuryAccountID},
			}, nil
		},
	},
	"BOOTSTRAP_SYSTEM": {
		Identity: IdentitySuperAdmin,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[bootstrapSystemPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "AdminContract",
				Function: "BootstrapSystem",
				Args:     []string{p.GenesisParametersJSON},
			}, nil
		},
	},
	"PAUSE_SYSTEM": {
		Identity: IdentitySuperAdmin,
		Build: func(payload []byte) (Invocation, error) {
			return Invocation{Contract: "AdminContract", Function: "PauseSystem"}, nil
		},
	},
	"RESUME_SYSTEM": {
		Identity: IdentitySuperAdmin,
		Build: func(payload []byte) (Invocation, error) {
			return Invocation{Contract: "AdminContract", Function: "ResumeSystem"}, nil
		},
	},
	"UPDATE_SYSTEM_PARAMETER": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[updateSystemParameterPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "AdminContract",
				Function: "UpdateSystemParameter",
				Args:     []string{p.Key, p.Value},
			}, nil
		},
	},
	"PROPOSE_ORGANIZATION": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[proposeOrganizationPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "ProposeOrganization",
				Args:     []string{p.OrgID, p.Name, p.FounderUserID},
			}, nil
		},
	},
	"ENDORSE_MEMBERSHIP": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[endorseMembershipPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "EndorseMembership",
				Args:     []string{p.OrgID, p.MemberID, p.EndorsedBy},
			}, nil
		},
	},
	"ACTIVATE_ORGANIZATION": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[activateOrganizationPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "ActivateOrganization",
				Args:     []string{p.OrgID},
			}, nil
		},
	},
	"DEFINE_AUTH_RULE": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[defineAuthRulePayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "DefineAuthRule",
				Args:     []string{p.OrgID, p.RuleJSON},
			}, nil
		},
	},
	"INITIATE_MULTISIG_TX": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[initiateMultiSigTxPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "InitiateMultiSigTx",
				Args:     []string{p.OrgID, p.PayloadRef},
			}, nil
		},
	},
	"APPROVE_MULTISIG_TX": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[approveMultiSigTxPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "OrganizationContract",
				Function: "ApproveMultiSigTx",
				Args:     []string{p.OrgID, p.TxID, p.Signer},
			}, nil
		},
	},
	"APPLY_FOR_LOAN": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[applyForLoanPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "LoanPoolContract",
				Function: "ApplyForLoan",
				Args:     []string{p.UserID, p.Amount, p.PoolID},
			}, nil
		},
	},
	"APPROVE_LOAN": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[approveLoanPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "LoanPoolContract",
				Function: "ApproveLoan",
				Args:     []string{p.LoanID},
			}, nil
		},
	},
	"SUBMIT_PROPOSAL": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[submitProposalPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "GovernanceContract",
				Function: "SubmitProposal",
				Args:     []string{p.ProposerID, p.ProposalJSON},
			}, nil
		},
	},
	"VOTE_ON_PROPOSAL": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[voteOnProposalPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "GovernanceContract",
				Function: "VoteOnProposal",
				Args:     []string{p.ProposalID, p.VoterID, fmt.Sprint(p.Support)},
			}, nil
		},
	},
	"EXECUTE_PROPOSAL": {
		Identity: IdentityPartnerAPI,
		Build: func(payload []byte) (Invocation, error) {
			p, err := decode[executeProposalPayload](payload)
			if err != nil {
				return Invocation{}, err
			}
			return Invocation{
				Contract: "GovernanceContract",
				Function: "ExecuteProposal",
				Args:     []string{p.ProposalID},
			}, nil
		},
	},
}
