package registrar

import (
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_trans "github.com/go-playground/validator/v10/translations/en"

	"github.com/crowmesh/crow"
)

// validate and trans are grounded on validator.go's package-level
// validator+translator pair; simplified to English only (see DESIGN.md
// for why the teacher's zh translator was dropped).
var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	validate = validator.New()
	_ = en_trans.RegisterDefaultTranslations(validate, trans)
}

// joinRequestShape mirrors the fields of crow.JoinRequest that the
// registrar requires to be well-formed before minting a lease.
type joinRequestShape struct {
	Address     string `validate:"required"`
	Port        int    `validate:"required,gt=0,lte=65535"`
	ServiceName string `validate:"required"`
}

func validateJoinRequest(r crow.JoinRequest) error {
	shape := joinRequestShape{Address: r.Address, Port: r.Port, ServiceName: r.ServiceName}
	if err := validate.Struct(shape); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return errs[0]
		}
		return err
	}
	return nil
}

type discoveryShape struct {
	ServiceName string `validate:"required"`
}

func validateDiscovery(d crow.Discovery) error {
	shape := discoveryShape{ServiceName: d.ServiceName}
	if err := validate.Struct(shape); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return errs[0]
		}
		return err
	}
	return nil
}
