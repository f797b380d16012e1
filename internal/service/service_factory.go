package service

import (
	"haven-service/internal/audit"
	"haven-service/internal/events"
	"haven-service/internal/repository"
	"haven-service/internal/wallet"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	userRepo  repository.UserRepository
	publisher events.Publisher
	sink      audit.Sink
	wallets   wallet.Provisioner
	limiter   RateLimiter
	policy    CompletionPolicy

	userService       *UserService
	onboardingService *OnboardingService
}

func NewServiceFactory(
	userRepo repository.UserRepository,
	publisher events.Publisher,
	sink audit.Sink,
	wallets wallet.Provisioner,
	limiter RateLimiter,
	policy CompletionPolicy,
) *ServiceFactory {
	return &ServiceFactory{
		userRepo:  userRepo,
		publisher: publisher,
		sink:      sink,
		wallets:   wallets,
		limiter:   limiter,
		policy:    policy,
	}
}

// UserService returns the user service instance (singleton)
func (f *ServiceFactory) UserService() *UserService {
	if f.userService == nil {
		f.userService = NewUserService(f.userRepo, f.publisher, f.sink)
	}
	return f.userService
}

func (f *ServiceFactory) OnboardingService() *OnboardingService {
	if f.onboardingService == nil {
		f.onboardingService = NewOnboardingService(f.UserService(), f.wallets, f.limiter, f.policy)
	}
	return f.onboardingService
}
