package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinical-platform/internal/auth"
	"clinical-platform/internal/config"
	"clinical-platform/internal/referral"
	"clinical-platform/internal/store"
	"clinical-platform/internal/store/storetest"
	"clinical-platform/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(st *storetest.Store) *Service {
	logger := zap.NewNop()
	tokens := auth.NewTokens(config.AuthConfig{JWTSecret: "test-secret-0123456789", TokenTTL: time.Hour, Issuer: "test"})
	return NewService(st, referral.NewService(st, "http://localhost:3000", logger), tokens, logger)
}

func register(email, code string) *models.RegisterRequest {
	return &models.RegisterRequest{
		Email:           email,
		Password:        "password123",
		PasswordConfirm: "password123",
		FirstName:       "Анна",
		LastName:        "Иванова",
		UserType:        models.UserTypeDoctor,
		ReferralCode:    code,
	}
}

func TestUsernameFromEmail(t *testing.T) {
	assert.Equal(t, "john.doe", UsernameFromEmail("John.Doe@example.com"))
	assert.Equal(t, "ab_c", UsernameFromEmail("a+b_c@example.com"))
	assert.Equal(t, "user", UsernameFromEmail("++@example.com"))
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	svc := newService(st)

	session, err := svc.Register(ctx, register(" Doc@Example.com ", ""))
	require.NoError(t, err)
	a := session.Account
	assert.Equal(t, "doc@example.com", a.Email)
	assert.Equal(t, "doc", a.Username)
	assert.Equal(t, models.UserTypeDoctor, a.UserType)
	require.NotNil(t, a.ReferralCode)
	assert.Len(t, *a.ReferralCode, 8)
	assert.Nil(t, a.ReferredBy)
	assert.NotEmpty(t, session.Token)
	assert.NoError(t, auth.CheckPassword(a.PasswordHash, "password123"))

	// тот же локальный адрес на другом домене получает суффикс
	second, err := svc.Register(ctx, register("doc@other.org", "ref_"+*a.ReferralCode))
	require.NoError(t, err)
	assert.Equal(t, "doc1", second.Account.Username)
	require.NotNil(t, second.Account.ReferredBy)
	assert.Equal(t, a.ID, *second.Account.ReferredBy)
}

func TestRegisterUnknownCodeIgnored(t *testing.T) {
	session, err := newService(storetest.New()).Register(context.Background(), register("p@example.com", "NOPE1234"))
	require.NoError(t, err)
	assert.Nil(t, session.Account.ReferredBy)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	svc := newService(st)

	_, err := svc.Register(ctx, register("taken@example.com", ""))
	require.NoError(t, err)

	mismatch := register("x@example.com", "")
	mismatch.PasswordConfirm = "different1"
	short := register("y@example.com", "")
	short.Password, short.PasswordConfirm = "short", "short"
	badType := register("z@example.com", "")
	badType.UserType = "nurse"
	takenName := register("w@example.com", "")
	takenName.Username = "taken"

	for name, req := range map[string]*models.RegisterRequest{
		"duplicate email": register("TAKEN@example.com", ""),
		"mismatch":        mismatch,
		"short password":  short,
		"bad user type":   badType,
		"bad email":       register("nope", ""),
		"taken username":  takenName,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Register(ctx, req)
			assert.True(t, models.IsValidationError(err), "%v", err)
		})
	}

	_, err = svc.Register(ctx, register("TAKEN@example.com", ""))
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterRollsBack(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	svc := newService(st)

	owner, err := svc.Register(ctx, register("owner@example.com", ""))
	require.NoError(t, err)

	st.FailOn("account.set_referrer", errors.New("deadlock"))
	_, err = svc.Register(ctx, register("new@example.com", *owner.Account.ReferralCode))
	require.Error(t, err)

	_, err = st.Account().GetByEmail(ctx, "new@example.com")
	assert.Error(t, err)
}

func TestRegisterDuplicateConstraints(t *testing.T) {
	ctx := context.Background()

	// гонка за сгенерированное имя: повтор транзакции подбирает имя заново
	st := storetest.New()
	st.FailOnce("account.create", &store.DuplicateError{Constraint: store.ConstraintAccountUsername})
	session, err := newService(st).Register(ctx, register("race@example.com", ""))
	require.NoError(t, err)
	assert.Equal(t, "race", session.Account.Username)
	_, err = st.Account().GetByEmail(ctx, "race@example.com")
	require.NoError(t, err)

	// гонка за запрошенное имя сообщается по полю username
	st = storetest.New()
	st.FailOnce("account.create", &store.DuplicateError{Constraint: store.ConstraintAccountUsername})
	req := register("named@example.com", "")
	req.Username = "dr_anna"
	_, err = newService(st).Register(ctx, req)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username", verr.Field)
	assert.NotErrorIs(t, err, ErrEmailTaken)

	// гонка за email остается ошибкой email
	st = storetest.New()
	st.FailOnce("account.create", &store.DuplicateError{Constraint: store.ConstraintAccountEmail})
	_, err = newService(st).Register(ctx, register("twice@example.com", ""))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "email", verr.Field)
	assert.ErrorIs(t, err, ErrEmailTaken)

	// постоянный конфликт кода исчерпывает попытки и не становится ошибкой валидации
	st = storetest.New()
	st.FailOn("account.create", &store.DuplicateError{Constraint: store.ConstraintAccountReferralCode})
	_, err = newService(st).Register(ctx, register("code@example.com", ""))
	require.Error(t, err)
	assert.False(t, models.IsValidationError(err))
	assert.ErrorIs(t, err, errRegisterConflict)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	svc := newService(storetest.New())

	_, err := svc.Register(ctx, register("doc@example.com", ""))
	require.NoError(t, err)

	session, err := svc.Login(ctx, &models.LoginRequest{Email: "DOC@example.com", Password: "password123"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	_, err = svc.Login(ctx, &models.LoginRequest{Email: "doc@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = svc.Login(ctx, &models.LoginRequest{Email: "ghost@example.com", Password: "password123"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestCheckReferralCode(t *testing.T) {
	ctx := context.Background()
	svc := newService(storetest.New())

	owner, err := svc.Register(ctx, register("doc@example.com", ""))
	require.NoError(t, err)

	info, err := svc.CheckReferralCode(ctx, *owner.Account.ReferralCode)
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.Equal(t, "Анна Иванова", info.ReferrerName)

	info, err = svc.CheckReferralCode(ctx, "missing1")
	require.NoError(t, err)
	assert.False(t, info.Valid)
}
