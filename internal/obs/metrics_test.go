package obs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                         "/",
		"/metrics":                                 "/metrics",
		"/v1/claims":                               "/v1/claims",
		"/v1/claims/quote":                         "/v1/claims/quote",
		"/v1/claims/quote?hours=8":                 "/v1/claims/quote",
		"/v1/claims/01J0ABC":                       "/v1/claims/:id",
		"/v1/claims/01J0ABC/transitions":           "/v1/claims/:id/transitions",
		"/v1/claims/01J0ABC/invoice":               "/v1/claims/:id/invoice",
		"/v1/claims/01J0ABC/documents":             "/v1/claims/:id/documents",
		"/v1/claims/01J0ABC/extra":                 "/v1/claims/01J0ABC/extra",
		"/v1/documents/01J0DOC":                    "/v1/documents/:id",
		"/v1/lecturers/01J0USR":                    "/v1/lecturers/:id",
		"/v1/lecturers":                            "/v1/lecturers",
		"/v1/auth/token":                           "/v1/auth/token",
		"/v1/claims?view=pending&search=databases": "/v1/claims",
	}
	for input, expected := range cases {
		assert.Equal(t, expected, CanonicalPath(input), input)
	}
}
