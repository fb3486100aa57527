package commandrouter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateUserRoutesToIdentityContract(t *testing.T) {
	identity, inv, err := Resolve("CREATE_USER", []byte(`{
		"userId": "US A3F12345CDE",
		"biometricHash": "deadbeef",
		"countryCode": "US",
		"age": 31
	}`))
	require.NoError(t, err)
	require.Equal(t, IdentityPartnerAPI, identity)
	require.Equal(t, "IdentityContract", inv.Contract)
	require.Equal(t, "CreateUser", inv.Function)
	require.Equal(t, []string{"US A3F12345CDE", "deadbeef", "US", "31"}, inv.Args)
}

func TestTransferTokensRoutesToAdminIdentity(t *testing.T) {
	identity, inv, err := Resolve("TRANSFER_TOKENS", []byte(`{
		"from": "US A3F12345CDE",
		"to": "US B7C98765XYZ",
		"amount": "1000",
		"txTypeHint": "P2P",
		"remark": "rent",
		"idempotencyKey": "req-1"
	}`))
	require.NoError(t, err)
	require.Equal(t, IdentityAdmin, identity)
	require.Equal(t, "TokenomicsContract", inv.Contract)
	require.Equal(t, "TransferWithFees", inv.Function)
	require.Equal(t, []string{"US A3F12345CDE", "US B7C98765XYZ", "1000", "P2P", "rent", "req-1"}, inv.Args)
}

func TestInitializeCountryDataReshapesPayload(t *testing.T) {
	identity, inv, err := Resolve("INITIALIZE_COUNTRY_DATA", []byte(`{
		"allocations": [
			{"countryCode": "US", "name": "United States", "percentage": "40.0"},
			{"countryCode": "GB", "name": "United Kingdom", "percentage": "60.0"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, IdentitySuperAdmin, identity)
	require.Equal(t, "AdminContract", inv.Contract)
	require.Equal(t, "InitializeCountryData", inv.Function)
	require.Len(t, inv.Args, 1)
	require.JSONEq(t,
		`[{"countryCode":"US","percentage":"40.0"},{"countryCode":"GB","percentage":"60.0"}]`,
		inv.Args[0])
}

func TestUnknownCommandTypeIsRejected(t *testing.T) {
	_, _, err := Resolve("DOES_NOT_EXIST", []byte(`{}`))
	require.Error(t, err)
	var unknown *ErrUnknownCommand
	require.ErrorAs(t, err, &unknown)
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	_, _, err := Resolve("CREATE_USER", []byte(`not-json`))
	require.Error(t, err)
}

func TestPauseAndResumeUseSuperAdminIdentity(t *testing.T) {
	identity, inv, err := Resolve("PAUSE_SYSTEM", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, IdentitySuperAdmin, identity)
	require.Equal(t, "PauseSystem", inv.Function)

	identity, inv, err = Resolve("RESUME_SYSTEM", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, IdentitySuperAdmin, identity)
	require.Equal(t, "ResumeSystem", inv.Function)
}
