package core

import "net/http"

// ProblemDocument models the canonical error envelope for API responses.
type ProblemDocument struct {
	Status   int    `json:"status"             example:"409"`
	Error    string `json:"error"              example:"Conflict"`
	Details  string `json:"details,omitempty"  example:"workflow orders has non-terminal runs"`
	Code     string `json:"code,omitempty"     example:"conflict"`
	Type     string `json:"type,omitempty"     example:"about:blank"`
	Instance string `json:"instance,omitempty" example:"/api/v0/workflows/orders"`
}

// Problem captures the information returned in an RFC 7807 error response.
type Problem struct {
	Type     string
	Title    string
	Status   int
	Detail   string
	Code     string
	Instance string
}

// ProblemFromError classifies err into a Problem. Details are redacted.
func ProblemFromError(err error, instance string) *Problem {
	return NormalizeProblem(&Problem{
		Status:   HTTPStatus(err),
		Detail:   RedactError(err),
		Code:     ProblemCode(err),
		Instance: instance,
	})
}

// NormalizeProblem ensures the provided problem includes canonical defaults.
func NormalizeProblem(problem *Problem) *Problem {
	if problem == nil {
		problem = &Problem{}
	}
	if problem.Status == 0 {
		problem.Status = http.StatusInternalServerError
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	return problem
}

// Document renders the problem as the serialized envelope.
func (p *Problem) Document() ProblemDocument {
	return ProblemDocument{
		Status:   p.Status,
		Error:    p.Title,
		Details:  p.Detail,
		Code:     p.Code,
		Type:     p.Type,
		Instance: p.Instance,
	}
}
