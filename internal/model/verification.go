package model

const (
	VerificationMethodSAS = "m.sas.v1"

	SASKeyAgreementCurve25519 = "curve25519-hkdf-sha256"
	SASHashSHA256             = "sha256"
	SASMacHKDFHMACSHA256      = "hkdf-hmac-sha256.v2"
	SASEmoji                  = "emoji"
	SASDecimal                = "decimal"
)

type (
	VerificationRequestContent struct {
		FromDevice    string   `json:"from_device"`
		Methods       []string `json:"methods"`
		TransactionID string   `json:"transaction_id"`
		Timestamp     int64    `json:"timestamp"`
	}

	VerificationReadyContent struct {
		FromDevice    string   `json:"from_device"`
		Methods       []string `json:"methods"`
		TransactionID string   `json:"transaction_id"`
	}

	VerificationStartContent struct {
		FromDevice                 string   `json:"from_device"`
		Method                     string   `json:"method"`
		TransactionID              string   `json:"transaction_id"`
		KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
		Hashes                     []string `json:"hashes"`
		MessageAuthenticationCodes []string `json:"message_authentication_codes"`
		ShortAuthenticationString  []string `json:"short_authentication_string"`
	}

	VerificationAcceptContent struct {
		TransactionID             string   `json:"transaction_id"`
		Method                    string   `json:"method"`
		KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
		Hash                      string   `json:"hash"`
		MessageAuthenticationCode string   `json:"message_authentication_code"`
		ShortAuthenticationString []string `json:"short_authentication_string"`
		Commitment                string   `json:"commitment"`
	}

	VerificationKeyContent struct {
		TransactionID string `json:"transaction_id"`
		Key           string `json:"key"`
	}

	VerificationMacContent struct {
		TransactionID string            `json:"transaction_id"`
		Mac           map[string]string `json:"mac"`
		Keys          string            `json:"keys"`
	}

	VerificationCancelContent struct {
		TransactionID string `json:"transaction_id"`
		Code          string `json:"code"`
		Reason        string `json:"reason"`
	}

	VerificationDoneContent struct {
		TransactionID string `json:"transaction_id"`
	}
)
