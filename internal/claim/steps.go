package claim

// StepStatus is the progress of one claim stage.
type StepStatus string

const (
	StatusInactive StepStatus = "inactive"
	StatusLoading  StepStatus = "loading"
	StatusSuccess  StepStatus = "success"
	StatusError    StepStatus = "error"
)

const (
	StepVerifyPhone = "verify-phone"
	StepClaimUBI    = "claim-ubi"
	StepPayment     = "payment"
	StepTopUp       = "top-up"
)

// TransactionStep is one row of the claim progress list.
type TransactionStep struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       StepStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// Steps returns a fresh step list with every stage inactive.
func Steps() []TransactionStep {
	return []TransactionStep{
		{ID: StepVerifyPhone, Title: "Verify phone number", Description: "Checking the number against the selected network", Status: StatusInactive},
		{ID: StepClaimUBI, Title: "Claim G$", Description: "Claiming today's G$ entitlement", Status: StatusInactive},
		{ID: StepPayment, Title: "Process payment", Description: "Sending the claimed G$ to pay for the bundle", Status: StatusInactive},
		{ID: StepTopUp, Title: "Top up data", Description: "Delivering the data bundle to your phone", Status: StatusInactive},
	}
}

type stepList []TransactionStep

func (l stepList) set(id string, status StepStatus, message string) {
	for i := range l {
		if l[i].ID == id {
			l[i].Status = status
			l[i].ErrorMessage = message
			return
		}
	}
}
