package domain

// StepDefinition is one row of the step routing table. For a given
// (OperationName, RequestType, RequestAuthMethod, RequestStepResult) key the
// row with the lowest ResponsePriority wins; equal priorities for the same key
// are a configuration error.
//
// RequestAuthMethod and RequestStepResult are nil for CREATE rows (no step has
// run yet); a nil field only matches a nil lookup value.
type StepDefinition struct {
	ID                int64
	OperationName     string
	RequestType       OperationRequestType
	RequestAuthMethod *AuthMethod
	RequestStepResult *AuthStepResult

	ResponsePriority   int
	ResponseAuthMethod *AuthMethod
	ResponseResult     AuthResult
}

// Matches reports whether the row applies to the given lookup key.
func (d StepDefinition) Matches(
	operationName string,
	requestType OperationRequestType,
	method *AuthMethod,
	stepResult *AuthStepResult,
) bool {
	if d.OperationName != operationName || d.RequestType != requestType {
		return false
	}
	if !authMethodPtrEqual(d.RequestAuthMethod, method) {
		return false
	}
	return stepResultPtrEqual(d.RequestStepResult, stepResult)
}

func authMethodPtrEqual(a, b *AuthMethod) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stepResultPtrEqual(a, b *AuthStepResult) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
