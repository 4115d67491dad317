package extraction

import (
	"encoding/json"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

var _ = Describe("Interpret", func() {
	var (
		result  *Result
		err     error
		outcome Outcome
	)

	BeforeEach(func() {
		result = nil
		err = nil
	})

	JustBeforeEach(func() {
		outcome = Interpret(result, err)
	})

	When("data was extracted", func() {
		BeforeEach(func() {
			result = &Result{Merchant: "Test Store"}
		})

		It("is classified as extracted", func() {
			Expect(outcome.Kind).To(Equal(OutcomeExtracted))
			Expect(outcome.Succeeded()).To(BeTrue())
			Expect(outcome.Result).To(Equal(result))
			Expect(outcome.Message).To(Equal(MessageExtracted))
		})
	})

	When("the service rejected with a message", func() {
		BeforeEach(func() {
			err = &ServiceRejection{Message: "No se pudo extraer información"}
		})

		It("surfaces the server message", func() {
			Expect(outcome.Kind).To(Equal(OutcomeRejected))
			Expect(outcome.Message).To(Equal("No se pudo extraer información"))
			Expect(outcome.Result).To(BeNil())
		})
	})

	When("the service rejected without a message", func() {
		BeforeEach(func() {
			err = &ServiceRejection{}
		})

		It("uses the generic fallback", func() {
			Expect(outcome.Message).To(Equal(MessageRejectedFallback))
		})
	})

	When("the transport failed with a detail", func() {
		BeforeEach(func() {
			err = fmt.Errorf("submitting: %w", &TransportError{StatusCode: 401, Detail: "Token expirado", Err: errors.New("unexpected status")})
		})

		It("surfaces the detail", func() {
			Expect(outcome.Kind).To(Equal(OutcomeTransportError))
			Expect(outcome.Message).To(Equal("Token expirado"))
		})
	})

	When("the transport failed without detail", func() {
		BeforeEach(func() {
			err = &TransportError{Err: errors.New("connection refused")}
		})

		It("uses the network fallback", func() {
			Expect(outcome.Kind).To(Equal(OutcomeTransportError))
			Expect(outcome.Message).To(Equal(MessageTransportError))
		})
	})

	When("there was no session", func() {
		BeforeEach(func() {
			err = ErrNoSession
		})

		It("reports no session", func() {
			Expect(outcome.Kind).To(Equal(OutcomeNoSession))
			Expect(outcome.Message).To(Equal(MessageNoSession))
		})
	})

	When("an unknown error is returned", func() {
		BeforeEach(func() {
			err = errors.New("boom")
		})

		It("is treated as a transport error", func() {
			Expect(outcome.Kind).To(Equal(OutcomeTransportError))
			Expect(outcome.Message).To(Equal(MessageTransportError))
		})
	})
})

var _ = Describe("Result JSON", func() {
	It("writes absent fields as null", func() {
		data, err := json.Marshal(Result{CurrencyCode: "ARS"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"fecha":null`))
		Expect(string(data)).To(ContainSubstring(`"monto":null`))
		Expect(string(data)).To(ContainSubstring(`"categoria_sugerida":null`))
	})

	It("keeps present fields when stored and read back", func() {
		in := Result{
			Date:                NewDate(2024, 3, 20),
			Amount:              decimal.NewNullDecimal(decimal.RequireFromString("250.50")),
			Merchant:            "Test Store",
			SuggestedCategoryID: NewCategoryID(7),
			CurrencyCode:        "ARS",
			Confidence:          0.82,
		}
		data, err := json.Marshal(in)
		Expect(err).NotTo(HaveOccurred())

		var out Result
		Expect(json.Unmarshal(data, &out)).To(Succeed())
		Expect(out.Date.String()).To(Equal("2024-03-20"))
		Expect(out.Amount.Decimal.Equal(in.Amount.Decimal)).To(BeTrue())
		Expect(out.SuggestedCategoryID).To(Equal(in.SuggestedCategoryID))
	})

	It("accepts a timestamp for the date", func() {
		var d Date
		Expect(json.Unmarshal([]byte(`"2024-03-20T10:30:00"`), &d)).To(Succeed())
		Expect(d.String()).To(Equal("2024-03-20"))
	})

	It("leaves an unreadable date absent", func() {
		var d Date
		Expect(json.Unmarshal([]byte(`"2024-marzo-05"`), &d)).To(Succeed())
		Expect(d.Valid).To(BeFalse())
		Expect(d.Unparsed()).To(Equal("2024-marzo-05"))
		Expect(d.String()).To(BeEmpty())
	})
})
