// Package ledgerid generates and validates the protocol's 20-character
// account identifier: a checksum-bearing code embedding country, date of
// birth (or founding date), gender/entity class, and account type.
package ledgerid

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// Gender selects the offset applied to the encoded DOB block.
type Gender int

const (
	GenderMale Gender = iota
	GenderFemale
	GenderOrganization
)

const (
	genderOffsetFemale = 500_000
	genderOffsetOrg    = 1_000_000
	dobBlockModulus    = 26 * 26 * 26 * 1000 // letters^3 * digits^3 space, see encodeDOBBlock
)

// AccountType enumerates the account-type hex nibble.
type AccountType byte

const (
	AccountTypeIndividual         AccountType = 0x0
	AccountTypeForProfit          AccountType = 0x1
	AccountTypeNotForProfit       AccountType = 0x2
	AccountTypeEducation          AccountType = 0x3
	AccountTypeHealthcare         AccountType = 0x4
	AccountTypeFinancial          AccountType = 0x5
	AccountTypeGovernmentTreasury AccountType = 0x6
	AccountTypeGovernmentOther    AccountType = 0x7
	AccountTypeIGO                AccountType = 0x8
	AccountTypeDiplomatic         AccountType = 0x9
	AccountTypeTrustEstate        AccountType = 0xA
	AccountTypeTemporarySpecial   AccountType = 0xE
	AccountTypeSystem             AccountType = 0xF
)

var accountTypeNames = map[AccountType]string{
	AccountTypeIndividual:         "Individual",
	AccountTypeForProfit:          "ForProfit",
	AccountTypeNotForProfit:       "NotForProfit",
	AccountTypeEducation:          "Education",
	AccountTypeHealthcare:         "Healthcare",
	AccountTypeFinancial:          "Financial",
	AccountTypeGovernmentTreasury: "GovernmentTreasury",
	AccountTypeGovernmentOther:    "GovernmentOther",
	AccountTypeIGO:                "IGO",
	AccountTypeDiplomatic:         "Diplomatic",
	AccountTypeTrustEstate:        "TrustEstate",
	AccountTypeTemporarySpecial:   "TemporarySpecial",
	AccountTypeSystem:             "System",
}

var (
	// ErrInvalidCountry is returned when the country code is not two
	// uppercase ASCII letters.
	ErrInvalidCountry = errors.New("ledgerid: invalid country code")
	// ErrInvalidDOB is returned when the date of birth/founding is
	// malformed or outside [1900-01-01, 4000-01-01].
	ErrInvalidDOB = errors.New("ledgerid: invalid date of birth")
	// ErrInvalidGender is returned for an unrecognised gender value.
	ErrInvalidGender = errors.New("ledgerid: invalid gender")
	// ErrInvalidAccountType is returned for an unrecognised account type.
	ErrInvalidAccountType = errors.New("ledgerid: invalid account type")
	// ErrInvalidFormat is returned when the identifier does not match the
	// expected block/length shape.
	ErrInvalidFormat = errors.New("ledgerid: invalid format")
	// ErrInvalidChecksum is returned when the embedded checksum does not
	// match the recomputed checksum for the DOB block.
	ErrInvalidChecksum = errors.New("ledgerid: checksum mismatch")
	// ErrInvalidDOBEncoding is returned when the DOB block decodes to a
	// date outside the valid range.
	ErrInvalidDOBEncoding = errors.New("ledgerid: dob block decodes out of range")
)

var minDOB = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
var maxDOB = time.Date(4000, 1, 1, 0, 0, 0, 0, time.UTC)

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)
var shapePattern = regexp.MustCompile(`^([A-Z]{2}) ([0-9A-F]{3}) ([A-Z]{3}[0-9]{3}) ([0-9A-F][A-Z]{4}) ([0-9]{4})$`)

// Decoded is the fully parsed representation of an account identifier.
type Decoded struct {
	Country         string
	Checksum        string
	DOB             time.Time
	Gender          Gender
	IsOrganization  bool
	AccountType     AccountType
	AccountTypeName string
	UniqueSuffix    string
}

// Generate builds a new 20-character account identifier for the supplied
// profile. The random suffix supplies collision resistance across
// identifiers sharing the same country/DOB/gender/account-type tuple.
func Generate(country string, dob time.Time, gender Gender, accountType AccountType) (string, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	if !countryPattern.MatchString(country) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountry, country)
	}
	dobUTC := dob.UTC()
	if dobUTC.Before(minDOB) || dobUTC.After(maxDOB) {
		return "", fmt.Errorf("%w: %s", ErrInvalidDOB, dobUTC.Format("2006-01-02"))
	}
	if gender != GenderMale && gender != GenderFemale && gender != GenderOrganization {
		return "", fmt.Errorf("%w: %d", ErrInvalidGender, gender)
	}
	if _, ok := accountTypeNames[accountType]; !ok {
		return "", fmt.Errorf("%w: %x", ErrInvalidAccountType, byte(accountType))
	}

	dobBlock := encodeDOBBlock(dobUTC, gender)
	checksum := checksumFor(dobBlock)

	typeHex := strings.ToUpper(fmt.Sprintf("%x", byte(accountType)))
	letters, err := randomLetters(4)
	if err != nil {
		return "", err
	}
	digits, err := randomDigits(4)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s %s %s %s%s %s", country, checksum, dobBlock, typeHex, letters, digits)
	return id, nil
}

// Decode parses a 20-character account identifier into its components. It
// returns an error for a malformed shape, a checksum mismatch, an
// undecodable DOB block, or an unknown account type.
func Decode(id string) (Decoded, error) {
	matches := shapePattern.FindStringSubmatch(id)
	if matches == nil {
		return Decoded{}, fmt.Errorf("%w: %q", ErrInvalidFormat, id)
	}
	country := matches[1]
	checksum := matches[2]
	dobBlock := matches[3]
	typeAndLetters := matches[4]
	suffix := matches[5]

	expectedChecksum := checksumFor(dobBlock)
	if checksum != expectedChecksum {
		return Decoded{}, fmt.Errorf("%w: got %s want %s", ErrInvalidChecksum, checksum, expectedChecksum)
	}

	dob, gender, err := decodeDOBBlock(dobBlock)
	if err != nil {
		return Decoded{}, err
	}

	typeNibble := typeAndLetters[0:1]
	typeValue, err := parseHexNibble(typeNibble)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %s", ErrInvalidAccountType, typeNibble)
	}
	accountType := AccountType(typeValue)
	name, ok := accountTypeNames[accountType]
	if !ok {
		return Decoded{}, fmt.Errorf("%w: %s", ErrInvalidAccountType, typeNibble)
	}

	return Decoded{
		Country:         country,
		Checksum:        checksum,
		DOB:             dob,
		Gender:          gender,
		IsOrganization:  gender == GenderOrganization,
		AccountType:     accountType,
		AccountTypeName: name,
		UniqueSuffix:    typeAndLetters[1:] + suffix,
	}, nil
}

// Validate reports whether id is a well-formed, checksum-correct account
// identifier with a decodable date of birth.
func Validate(id string) bool {
	_, err := Decode(id)
	return err == nil
}

func checksumFor(dobBlock string) string {
	sum := sha1.Sum([]byte(dobBlock))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:3]
}

// encodeDOBBlock encodes a date and gender into the 6-character
// "AAA###" style block (three base-26 letters, three digits),
// where the integer day-offset since minDOB is bumped by a gender
// offset before being split into a letters/digits pair.
func encodeDOBBlock(dob time.Time, gender Gender) string {
	days := int64(dob.Sub(minDOB).Hours() / 24)
	switch gender {
	case GenderFemale:
		days += genderOffsetFemale
	case GenderOrganization:
		days += genderOffsetOrg
	}
	letterPart := days / 1000
	digitPart := days % 1000
	letters := encodeBase26(letterPart, 3)
	return fmt.Sprintf("%s%03d", letters, digitPart)
}

func decodeDOBBlock(block string) (time.Time, Gender, error) {
	if len(block) != 6 {
		return time.Time{}, 0, fmt.Errorf("%w: dob block length", ErrInvalidFormat)
	}
	letters := block[:3]
	digits := block[3:]
	letterPart, err := decodeBase26(letters)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidDOBEncoding, err)
	}
	digitPart, err := parseDigits(digits)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("%w: %v", ErrInvalidDOBEncoding, err)
	}
	days := letterPart*1000 + digitPart

	gender := GenderMale
	switch {
	case days >= genderOffsetOrg:
		gender = GenderOrganization
		days -= genderOffsetOrg
	case days >= genderOffsetFemale:
		gender = GenderFemale
		days -= genderOffsetFemale
	}

	dob := minDOB.Add(time.Duration(days) * 24 * time.Hour)
	if dob.Before(minDOB) || dob.After(maxDOB) {
		return time.Time{}, 0, fmt.Errorf("%w: %s", ErrInvalidDOBEncoding, dob.Format("2006-01-02"))
	}
	return dob, gender, nil
}

func encodeBase26(value int64, width int) string {
	letters := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		letters[i] = byte('A' + value%26)
		value /= 26
	}
	return string(letters)
}

func decodeBase26(s string) (int64, error) {
	var value int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("non-letter %q in base26 block", c)
		}
		value = value*26 + int64(c-'A')
	}
	return value, nil
}

func parseDigits(s string) (int64, error) {
	var value int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q in digit block", c)
		}
		value = value*10 + int64(c-'0')
	}
	return value, nil
}

func parseHexNibble(s string) (byte, error) {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex nibble %q", s)
	}
	return byte(v.Int64()), nil
}

func randomLetters(n int) (string, error) {
	letters := make([]byte, n)
	for i := range letters {
		idx, err := randomIntn(26)
		if err != nil {
			return "", err
		}
		letters[i] = byte('A' + idx)
	}
	return string(letters), nil
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		idx, err := randomIntn(10)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + idx)
	}
	return string(digits), nil
}

func randomIntn(n int64) (int64, error) {
	max := big.NewInt(n)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("ledgerid: read random: %w", err)
	}
	return v.Int64(), nil
}
