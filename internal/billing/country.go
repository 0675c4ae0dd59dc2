package billing

import (
	"regexp"
	"strings"
)

var dialingCodes = map[string]string{
	"1":   "US",
	"44":  "GB",
	"91":  "IN",
	"234": "NG",
	"254": "KE",
	"255": "TZ",
	"233": "GH",
	"27":  "ZA",
	"256": "UG",
}

var currencyCountries = map[string]string{
	"NGN": "NG",
	"GHS": "GH",
	"KES": "KE",
	"UGX": "UG",
	"TZS": "TZ",
	"ZAR": "ZA",
	"USD": "US",
}

// CountryCurrency maps an ISO2 country to its local currency.
var CountryCurrency = map[string]string{
	"NG": "NGN",
	"GH": "GHS",
	"KE": "KES",
	"UG": "UGX",
	"TZ": "TZS",
	"ZA": "ZAR",
	"US": "USD",
}

var iso2 = regexp.MustCompile(`^[A-Z]{2}$`)

// CountryCodeToISO2 normalises dialing codes, currency codes and lower-case
// ISO codes to ISO 3166-1 alpha-2. Unknown inputs are returned trimmed.
func CountryCodeToISO2(code string) string {
	code = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(code), "+"))
	upper := strings.ToUpper(code)
	if iso2.MatchString(upper) {
		return upper
	}
	if c, ok := dialingCodes[code]; ok {
		return c
	}
	if c, ok := currencyCountries[upper]; ok {
		return c
	}
	return code
}

var phoneJunk = regexp.MustCompile(`[^\d+]`)

// CleanPhone strips everything but digits and '+'.
func CleanPhone(phone string) string {
	return phoneJunk.ReplaceAllString(phone, "")
}

type family struct {
	parent  string
	name    string
	members []string
}

// operatorFamilies groups aggregator operator ids that serve the same network,
// keyed by ISO2 country.
var operatorFamilies = map[string][]family{
	"NG": {
		{"341", "MTN Nigeria", []string{"341", "345", "346", "1236"}},
		{"342", "Airtel Nigeria", []string{"342", "646", "1256"}},
		{"344", "Glo Nigeria", []string{"344", "647", "931"}},
		{"340", "9Mobile (Etisalat) Nigeria", []string{"340", "645"}},
	},
	"GH": {
		{"150", "MTN Ghana", []string{"150", "643"}},
		{"153", "Airtel-Tigo Ghana", []string{"153"}},
		{"155", "Telecel Ghana", []string{"155", "770"}},
	},
	"UG": {
		{"515", "MTN Uganda", []string{"515", "1151", "1171"}},
		{"516", "Airtel Uganda", []string{"516", "1152", "1172"}},
		{"641", "Uganda Telecom", []string{"641"}},
	},
}

// ParentOperator resolves an operator id to the id of its network family.
// The second result is false when the operator belongs to no known family.
func ParentOperator(operatorID, country string) (string, bool) {
	for _, f := range operatorFamilies[CountryCodeToISO2(country)] {
		for _, m := range f.members {
			if m == operatorID {
				return f.parent, true
			}
		}
	}
	return operatorID, false
}

// SameNetwork reports whether two operator ids serve the same network.
func SameNetwork(a, b, country string) bool {
	if a == b {
		return true
	}
	pa, _ := ParentOperator(a, country)
	pb, _ := ParentOperator(b, country)
	return pa == pb
}
