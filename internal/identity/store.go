package identity

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/arena"
	"github.com/hackgods/clinic-scheduling/internal/domain"
)

// Store owns every Person record and their credential hashes.
type Store struct {
	people *arena.Table[PersonID, Person]
	hasher Hasher
	now    func() time.Time

	// mu guards byEmail and keeps the uniqueness check and the insert together.
	mu      sync.RWMutex
	byEmail map[string]PersonID

	// dummyHash is compared against on unknown emails so timing does not reveal them.
	dummyHash string
}

func NewStore(hasher Hasher, now func() time.Time) (*Store, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC().Round(0) }
	}
	dummy, err := hasher.Hash("placeholder-credential")
	if err != nil {
		return nil, fmt.Errorf("init identity store: %w", err)
	}
	return &Store{
		people:    arena.New[PersonID, Person]("person"),
		hasher:    hasher,
		now:       now,
		byEmail:   make(map[string]PersonID),
		dummyHash: dummy,
	}, nil
}

// Register stores a new person and returns its id. The raw password is hashed and dropped.
func (s *Store) Register(role domain.Role, profile Profile, password string) (PersonID, error) {
	p := Person{
		Role:    role,
		Name:    strings.TrimSpace(profile.Name),
		Email:   normalizeEmail(profile.Email),
		Phone:   strings.TrimSpace(profile.Phone),
		Active:  true,
		Patient: profile.Patient,
		Doctor:  profile.Doctor,
	}
	if role == domain.RolePatient && p.Patient == nil {
		p.Patient = &PatientProfile{}
	}
	p = p.clone()
	normalizeProfiles(&p)

	if err := validatePerson(p); err != nil {
		return 0, err
	}
	if len(password) < minPasswordLength {
		return 0, fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, minPasswordLength)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return 0, err
	}
	p.CredentialHash = hash

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[p.Email]; taken {
		return 0, fmt.Errorf("register %s: %w", p.Email, domain.ErrDuplicateIdentity)
	}
	created := s.people.Insert(func(id PersonID) Person {
		p.ID = id
		p.CreatedAt = s.now()
		return p
	})
	s.byEmail[created.Email] = created.ID

	return created.ID, nil
}

// Authenticate returns the id and role for a matching email and password. Unknown email,
// wrong password and deactivated accounts all fail with ErrInvalidCredentials.
func (s *Store) Authenticate(email, password string) (PersonID, domain.Role, error) {
	s.mu.RLock()
	id, ok := s.byEmail[normalizeEmail(email)]
	s.mu.RUnlock()

	if !ok {
		_, _ = s.hasher.Verify(s.dummyHash, password)
		return 0, "", domain.ErrInvalidCredentials
	}

	p, err := s.people.Get(id)
	if err != nil {
		return 0, "", domain.ErrInvalidCredentials
	}
	match, err := s.hasher.Verify(p.CredentialHash, password)
	if err != nil {
		return 0, "", err
	}
	if !match || !p.Active {
		return 0, "", domain.ErrInvalidCredentials
	}
	return p.ID, p.Role, nil
}

func (s *Store) Lookup(id PersonID) (Person, error) {
	p, err := s.people.Get(id)
	if err != nil {
		return Person{}, err
	}
	return p.clone(), nil
}

// List returns the people holding role, ordered by id. An empty role lists everyone.
func (s *Store) List(role domain.Role) []Person {
	rows := s.people.Select(func(p Person) bool {
		return role == "" || p.Role == role
	})
	for i := range rows {
		rows[i] = rows[i].clone()
	}
	return rows
}

func (s *Store) UpdateProfile(id PersonID, u ProfileUpdate) (Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldEmail string
	updated, err := s.people.Update(id, func(p *Person) error {
		oldEmail = p.Email
		next := p.clone()
		if u.Name != nil {
			next.Name = strings.TrimSpace(*u.Name)
		}
		if u.Phone != nil {
			next.Phone = strings.TrimSpace(*u.Phone)
		}
		if u.Email != nil {
			next.Email = normalizeEmail(*u.Email)
			if other, taken := s.byEmail[next.Email]; taken && other != id {
				return fmt.Errorf("update %s: %w", next.Email, domain.ErrDuplicateIdentity)
			}
		}
		if err := applyRoleUpdate(&next, u); err != nil {
			return err
		}
		normalizeProfiles(&next)
		if err := validatePerson(next); err != nil {
			return err
		}
		*p = next
		return nil
	})
	if err != nil {
		return Person{}, err
	}

	if updated.Email != oldEmail {
		delete(s.byEmail, oldEmail)
		s.byEmail[updated.Email] = id
	}
	return updated.clone(), nil
}

func applyRoleUpdate(p *Person, u ProfileUpdate) error {
	doctorFields := u.Specialty != nil || u.WorkingHours != nil || u.ConsultationFeeCents != nil
	patientFields := u.DateOfBirth != nil || u.Insurance != nil

	switch {
	case doctorFields && p.Role != domain.RoleDoctor:
		return fmt.Errorf("%w: doctor fields on a %s", domain.ErrInvalidInput, p.Role)
	case patientFields && p.Role != domain.RolePatient:
		return fmt.Errorf("%w: patient fields on a %s", domain.ErrInvalidInput, p.Role)
	}

	if p.Doctor != nil {
		if u.Specialty != nil {
			p.Doctor.Specialty = strings.TrimSpace(*u.Specialty)
		}
		if u.WorkingHours != nil {
			p.Doctor.WorkingHours = *u.WorkingHours
		}
		if u.ConsultationFeeCents != nil {
			p.Doctor.ConsultationFeeCents = *u.ConsultationFeeCents
		}
	}
	if p.Patient != nil {
		if u.DateOfBirth != nil {
			dob := *u.DateOfBirth
			p.Patient.DateOfBirth = &dob
		}
		if u.Insurance != nil {
			p.Patient.Insurance = u.Insurance
		}
	}
	return nil
}

// Deactivate keeps the record but stops the person from signing in or being booked.
func (s *Store) Deactivate(id PersonID) (Person, error) {
	p, err := s.people.Update(id, func(p *Person) error {
		p.Active = false
		return nil
	})
	if err != nil {
		return Person{}, err
	}
	return p.clone(), nil
}

func (s *Store) SetPassword(id PersonID, password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", domain.ErrInvalidInput, minPasswordLength)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	_, err = s.people.Update(id, func(p *Person) error {
		p.CredentialHash = hash
		return nil
	})
	return err
}

func (s *Store) Len() int {
	return s.people.Len()
}

// Export returns every person, credential hashes included, ordered by id.
func (s *Store) Export() []Person {
	return s.List("")
}

// ValidateRecords checks a set of people before it replaces the store.
func ValidateRecords(people []Person) error {
	seenID := make(map[PersonID]bool, len(people))
	seenEmail := make(map[string]bool, len(people))
	for _, p := range people {
		if p.ID <= 0 || seenID[p.ID] {
			return fmt.Errorf("%w: person id %d is missing or duplicated", domain.ErrInvalidInput, p.ID)
		}
		seenID[p.ID] = true
		if err := validatePerson(p); err != nil {
			return fmt.Errorf("person %d: %w", p.ID, err)
		}
		if p.Email != normalizeEmail(p.Email) {
			return fmt.Errorf("%w: person %d email is not normalized", domain.ErrInvalidInput, p.ID)
		}
		if seenEmail[p.Email] {
			return fmt.Errorf("person %d %s: %w", p.ID, p.Email, domain.ErrDuplicateIdentity)
		}
		seenEmail[p.Email] = true
		if p.CredentialHash == "" {
			return fmt.Errorf("%w: person %d has no credential hash", domain.ErrInvalidInput, p.ID)
		}
	}
	return nil
}

// Restore replaces every record with people. Callers validate first.
func (s *Store) Restore(people []Person) error {
	if err := ValidateRecords(people); err != nil {
		return err
	}
	rows := make([]Person, len(people))
	index := make(map[string]PersonID, len(people))
	for i, p := range people {
		rows[i] = p.clone()
		index[p.Email] = p.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.people.Replace(rows, func(p Person) PersonID { return p.ID }); err != nil {
		return err
	}
	s.byEmail = index
	return nil
}

func normalizeProfiles(p *Person) {
	if p.Patient != nil && len(p.Patient.Insurance) == 0 {
		p.Patient.Insurance = nil
	}
	if p.Doctor != nil && len(p.Doctor.WorkingHours.Days) == 0 {
		p.Doctor.WorkingHours.Days = nil
	}
}
