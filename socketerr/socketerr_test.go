package socketerr_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/tcpsession/socketerr"
)

var _ = Describe("socketerr", func() {
	Describe("Code", func() {
		It("renders known codes", func() {
			Expect(socketerr.ServiceUnavailable.String()).To(Equal("service unavailable"))
			Expect(socketerr.RequestTooLarge.String()).To(Equal("request too large"))
		})

		It("renders the zero value as unknown", func() {
			Expect(socketerr.Unknown.String()).To(Equal("unknown"))
		})
	})

	Describe("Wrap", func() {
		It("returns nil for a nil error", func() {
			Expect(socketerr.Wrap(nil, "context")).To(BeNil())
		})

		It("wraps a non-nil error with the given message and preserves it as a cause", func() {
			base := errors.New("listen failed")
			wrapped := socketerr.Wrap(base, "bind listener")
			Expect(wrapped).To(HaveOccurred())
			Expect(wrapped.Error()).To(ContainSubstring("bind listener"))
			Expect(errors.Is(wrapped, base)).To(BeTrue())
		})
	})

	Describe("sentinel errors", func() {
		It("are distinct values usable with errors.Is", func() {
			Expect(errors.Is(socketerr.ErrAlreadyLinked, socketerr.ErrAlreadyLinked)).To(BeTrue())
			Expect(errors.Is(socketerr.ErrAlreadyLinked, socketerr.ErrNotRunning)).To(BeFalse())
		})
	})
})
