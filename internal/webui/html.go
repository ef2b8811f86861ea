package webui

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Crack Detector</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/app.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Crack Detector</div>
            <span class="badge badge-secondary" id="config-badge">Not configured</span>
        </div>

        <div class="banner banner-error" id="camera-banner" hidden>
            <span id="camera-banner-text"></span>
            <button type="button" class="banner-close" id="camera-banner-close" aria-label="Dismiss">&times;</button>
        </div>

        <div class="grid">
            <div class="panel">
                <div class="panel-head">
                    <div>
                        <h2>Live Camera</h2>
                        <p class="panel-subtitle" id="camera-subtitle">Camera is off</p>
                    </div>
                    <div class="view-toggle">
                        <button type="button" id="btn-webrtc" class="active">WebRTC</button>
                        <button type="button" id="btn-mjpeg">MJPEG</button>
                    </div>
                </div>
                <div class="preview" id="preview">
                    <img id="preview-image" alt="Live camera preview">
                    <div class="preview-status" id="preview-status">Camera off</div>
                </div>
                <div class="controls">
                    <select id="device-picker" hidden></select>
                    <button type="button" class="btn btn-primary" id="btn-start">Start Camera</button>
                    <button type="button" class="btn" id="btn-stop" disabled>Stop</button>
                    <button type="button" class="btn" id="btn-capture" disabled>Capture</button>
                </div>
            </div>

            <div class="panel">
                <h2>Model Settings</h2>
                <form id="config-form" class="form">
                    <label>API Key
                        <input type="password" name="api_key" id="api-key" autocomplete="off" placeholder="Roboflow API key">
                    </label>
                    <label>Model Endpoint
                        <input type="text" name="model_endpoint" id="model-endpoint" placeholder="project/version">
                    </label>
                    <label>Confidence Threshold <span id="threshold-value">0.4</span>
                        <input type="range" name="threshold" id="threshold" min="0" max="1" step="0.1" value="0.4">
                    </label>
                    <button type="submit" class="btn btn-primary">Save</button>
                    <p class="form-error" id="config-error" hidden></p>
                </form>
            </div>

            <div class="panel">
                <h2>Analyze Image</h2>
                <form id="upload-form" class="form">
                    <input type="file" name="file" id="upload-file" accept="image/*">
                    <button type="submit" class="btn btn-primary" id="btn-detect">Detect Cracks</button>
                </form>
                <div class="result" id="result" hidden>
                    <img id="overlay-image" alt="Detection overlay">
                    <p id="result-summary"></p>
                    <ul class="prediction-list" id="prediction-list"></ul>
                </div>
            </div>

            <div class="panel">
                <h2>Recent Analyses</h2>
                <ul class="history" id="history"></ul>
            </div>
        </div>
    </div>

    <div class="toast" id="toast" hidden>
        <span id="toast-text"></span>
        <button type="button" class="btn" id="btn-retry" hidden>Retry</button>
        <button type="button" class="banner-close" id="toast-close" aria-label="Dismiss">&times;</button>
    </div>

    <script src="/assets/app.js"></script>
</body>
</html>
`
