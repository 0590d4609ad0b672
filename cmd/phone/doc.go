// Package phone turns user-typed phone numbers into the canonical identifier used
// as the pairing session key: international digits only, no leading '+'.
//
// Validation is metadata-driven (country calling code and possible lengths per
// region) and happens before any network or storage access.
package phone
