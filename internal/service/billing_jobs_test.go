package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tuition-billing-api/pkg/jobs"
)

type recordingScheduler struct {
	daily    map[string]int
	interval map[string]time.Duration
	tasks    map[string]jobs.Task
}

func (s *recordingScheduler) Daily(name string, hour int, task jobs.Task) {
	s.daily[name] = hour
	s.tasks[name] = task
}

func (s *recordingScheduler) Every(name string, interval time.Duration, task jobs.Task) {
	s.interval[name] = interval
	s.tasks[name] = task
}

type recordingRegistry map[string]jobs.Handler

func (r recordingRegistry) Handle(jobType string, h jobs.Handler) { r[jobType] = h }

func TestRegisterBillingJobs(t *testing.T) {
	h, invoices, _ := newInvoiceHarness(t)
	settings := NewSettingsService(fakeTx{h.db}, fakeSettings{h.db}, fakeAudit{h.db}, nil, nil)
	sender := &recordingSender{}
	queue := jobs.NewQueue("billing-test", jobs.QueueConfig{Workers: 1})
	reminders := NewReminderService(fakeInvoices{h.db}, settings, queue, sender, fakeAudit{h.db}, nil, time.UTC)

	sched := &recordingScheduler{daily: map[string]int{}, interval: map[string]time.Duration{}, tasks: map[string]jobs.Task{}}
	registry := recordingRegistry{}
	RegisterBillingJobs(sched, registry, invoices, reminders, h.recon, BillingJobsConfig{InvoiceHour: 1, ReminderHour: 10}, nil)

	assert.Equal(t, map[string]int{TaskGenerateMonthly: 1, TaskSendReminders: 10}, sched.daily)
	assert.Equal(t, 10*time.Minute, sched.interval[TaskRecover])
	require.Contains(t, registry, JobSendReminder)

	e, err := h.enroll.Create(context.Background(), adminActor, CreateEnrollmentRequest{StudentID: "student-1", BatchID: "batch-1"})
	require.NoError(t, err)

	require.NoError(t, sched.tasks[TaskGenerateMonthly](context.Background(), time.Date(2024, time.March, 28, 1, 0, 0, 0, time.UTC)))
	assert.Len(t, h.db.invoicesFor(e.ID), 2)

	require.NoError(t, sched.tasks[TaskSendReminders](context.Background(), time.Date(2024, time.March, 8, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, sched.tasks[TaskRecover](context.Background(), time.Now()))
}
