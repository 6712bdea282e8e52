package memstore

import (
	"context"
	"slices"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

func (s *Store) CreateAccount(_ context.Context, acct billing.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return billing.ErrMergeNotAllowed
	}
	cp := acct
	s.accounts[acct.UserID] = &cp
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return billing.ErrAccountNotFound
	}
	delete(s.accounts, userID)
	return nil
}

func (s *Store) MoveReferences(_ context.Context, fromUserID, toUserID string) (billing.References, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[fromUserID]
	if !ok {
		return billing.References{}, billing.ErrAccountNotFound
	}
	to, ok := s.accounts[toUserID]
	if !ok {
		return billing.References{}, billing.ErrAccountNotFound
	}

	var refs billing.References
	for _, sub := range s.subs {
		if sub.UserID == fromUserID {
			sub.UserID = toUserID
			refs.SubscriptionIDs = append(refs.SubscriptionIDs, sub.ID)
		}
	}
	slices.Sort(refs.SubscriptionIDs)
	for i := range s.payments {
		if s.payments[i].UserID == fromUserID {
			s.payments[i].UserID = toUserID
			refs.PaymentIDs = append(refs.PaymentIDs, s.payments[i].ID)
		}
	}
	for i := range s.invoices {
		if s.invoices[i].UserID == fromUserID {
			s.invoices[i].UserID = toUserID
			refs.InvoiceIDs = append(refs.InvoiceIDs, s.invoices[i].ID)
		}
	}
	if from.ProviderCustomerID != "" && to.ProviderCustomerID == "" {
		refs.CustomerID = from.ProviderCustomerID
		to.ProviderCustomerID = from.ProviderCustomerID
		from.ProviderCustomerID = ""
	}
	return refs, nil
}

func (s *Store) RestoreReferences(_ context.Context, refs billing.References, fromUserID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[fromUserID]
	if !ok {
		return billing.ErrAccountNotFound
	}
	to, ok := s.accounts[toUserID]
	if !ok {
		return billing.ErrAccountNotFound
	}

	for _, id := range refs.SubscriptionIDs {
		if sub, ok := s.subs[id]; ok {
			sub.UserID = toUserID
		}
	}
	for i := range s.payments {
		if slices.Contains(refs.PaymentIDs, s.payments[i].ID) {
			s.payments[i].UserID = toUserID
		}
	}
	for i := range s.invoices {
		if slices.Contains(refs.InvoiceIDs, s.invoices[i].ID) {
			s.invoices[i].UserID = toUserID
		}
	}
	if refs.CustomerID != "" && from.ProviderCustomerID == refs.CustomerID {
		from.ProviderCustomerID = ""
		to.ProviderCustomerID = refs.CustomerID
	}
	return nil
}

func (s *Store) SwapEmails(_ context.Context, userA, userB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userA]
	if !ok {
		return billing.ErrAccountNotFound
	}
	b, ok := s.accounts[userB]
	if !ok {
		return billing.ErrAccountNotFound
	}
	a.Email, b.Email = b.Email, a.Email
	return nil
}
